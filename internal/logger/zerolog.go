package logger

import (
	"io"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// RouteZerolog points zerolog's global logger (used by sipgo) at w. Pass a
// JSONParsingWriter to get the same line format as slog.
func RouteZerolog(w io.Writer) {
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05Z07:00"
	zlog.Logger = zerolog.New(w).With().Timestamp().Logger()
}
