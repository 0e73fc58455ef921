// Package banner prints the startup banner with the effective
// configuration.
package banner

import (
	"fmt"
	"io"
	"strings"
)

const logo = `
======================================================================
                      _          _     _
  ___ ___  _ __  _ __ | |__  _ __(_) __| | __ _  ___
 / __/ _ \| '_ \| '_ \| '_ \| '__| |/ _` + "`" + ` |/ _` + "`" + ` |/ _ \
| (_| (_) | | | | | | | |_) | |  | | (_| | (_| |  __/
 \___\___/|_| |_|_| |_|_.__/|_|  |_|\__,_|\__, |\___|
                                          |___/
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine represents a single configuration line to display
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the banner, the service name and the aligned configuration
// lines to w.
func Print(w io.Writer, serviceName string, config []ConfigLine) {
	fmt.Fprintln(w, logo)
	fmt.Fprintf(w, "%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		value := c.Value
		if value == "" {
			value = "-"
		}
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Fprintf(w, "  %s%s : %s\n", c.Label, padding, value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready.")
	fmt.Fprintln(w, footer)
	fmt.Fprintln(w)
}
