// Package logx holds slog attribute helpers shared by the client packages.
package logx

import (
	"fmt"
	"log/slog"
	"time"
)

// Error returns an "error" attribute. A nil error is logged as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Stringer returns an attribute holding value.String().
func Stringer(key string, value fmt.Stringer) slog.Attr {
	return slog.String(key, value.String())
}

// Duration returns an attribute holding d in its String form.
func Duration(key string, d time.Duration) slog.Attr {
	return slog.String(key, d.String())
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
