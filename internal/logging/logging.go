// Package logging builds the zerolog loggers every process uses.
package logging

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// New returns a timestamped JSON logger tagged with the service name.
func New(w io.Writer, service string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", service).Logger()
}

// Asynq adapts a zerolog.Logger to asynq's Logger interface.
type Asynq struct {
	L zerolog.Logger
}

func (a Asynq) Debug(args ...any) { a.L.Debug().Msg(fmt.Sprint(args...)) }
func (a Asynq) Info(args ...any)  { a.L.Info().Msg(fmt.Sprint(args...)) }
func (a Asynq) Warn(args ...any)  { a.L.Warn().Msg(fmt.Sprint(args...)) }
func (a Asynq) Error(args ...any) { a.L.Error().Msg(fmt.Sprint(args...)) }
func (a Asynq) Fatal(args ...any) { a.L.Fatal().Msg(fmt.Sprint(args...)) }
