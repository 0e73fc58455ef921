package main

import (
	"os"

	"github.com/sebas/connbridge/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
