package fusedlayer

import "log/slog"

var logger = slog.Default()

// SetLogger replaces the package logger. Passing nil restores slog.Default.
// Not safe to call concurrently with layer construction.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	logger = l
}
