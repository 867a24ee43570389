// Package elog provides the core's component loggers: one zerolog.Logger
// per subsystem, each tagged with a "component" field, instead of a
// process-wide logging singleton.
package elog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the set of component loggers backing one Environment,
// writing to w (os.Stderr when w is nil).
func New(w io.Writer, level zerolog.Level) *Loggers {
	if w == nil {
		w = os.Stderr
	}
	base := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Loggers{
		PageManager: component(base, "page_manager"),
		Cache:       component(base, "cache"),
		Cursor:      component(base, "cursor"),
		Txn:         component(base, "txn"),
	}
}

// Loggers holds one logger per subsystem of a running Environment.
type Loggers struct {
	PageManager zerolog.Logger
	Cache       zerolog.Logger
	Cursor      zerolog.Logger
	Txn         zerolog.Logger
}

func component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
