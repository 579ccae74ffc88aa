package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"

	"github.com/Gurpartap/agentgraph/internal/config"
)

var serverLogOutput io.Writer = os.Stderr

func newServerLogger(output io.Writer, level slog.Level, format config.LogFormat) *slog.Logger {
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	}

	handler := tint.NewHandler(output, &tint.Options{
		Level:      level,
		AddSource:  false,
		TimeFormat: "2006-01-02 15:04:05.000Z07:00",
		NoColor:    !isTerminal(output),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindAny {
				if _, ok := a.Value.Any().(error); ok {
					return tint.Attr(9, a)
				}
			}
			return a
		},
	})
	return slog.New(handler)
}

func isTerminal(output io.Writer) bool {
	file, ok := output.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
