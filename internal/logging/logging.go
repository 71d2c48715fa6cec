// Package logging builds the process logger from the logging section of the config
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"arcal-receiver/internal/config"
)

// New returns a text logger at cfg.Level writing to cfg.File, or to stderr when no
// file is set. The returned closer releases the file and is never nil.
func New(cfg config.LoggingConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.LevelVar
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("%w: logging.level %q", config.ErrInvalid, cfg.Level)
	}

	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = file, file
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: &level}))
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
