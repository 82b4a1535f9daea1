// Package logging builds the root hclog.Logger of the daemon. Components
// derive their own loggers from it with Named.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Options selects the level and encoding of the root logger.
type Options struct {
	Name   string
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// New returns a logger for opts. Output defaults to stderr.
func New(opts Options) (hclog.Logger, error) {
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		return nil, fmt.Errorf("unknown log level %q", opts.Level)
	}

	var json bool
	switch strings.ToLower(opts.Format) {
	case "", "text":
	case "json":
		json = true
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:            opts.Name,
		Level:           level,
		Output:          out,
		JSONFormat:      json,
		IncludeLocation: level <= hclog.Debug,
		TimeFormat:      "2006-01-02T15:04:05.000Z0700",
	}), nil
}
