package capture

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// AttemptObserver receives one record per engine attempt, success or not.
type AttemptObserver interface {
	ObserveAttempt(op string, engine Kind, d time.Duration, err error)
}

// ObserverFunc adapts a function to the AttemptObserver interface.
type ObserverFunc func(op string, engine Kind, d time.Duration, err error)

func (f ObserverFunc) ObserveAttempt(op string, engine Kind, d time.Duration, err error) {
	f(op, engine, d, err)
}

type logObserver struct {
	log *zerolog.Logger
}

func (o logObserver) ObserveAttempt(op string, engine Kind, d time.Duration, err error) {
	if err != nil {
		o.log.Warn().
			Str("op", op).
			Str("engine", string(engine)).
			Dur("duration", d).
			Err(err).
			Msg("capture attempt failed")
		return
	}
	o.log.Debug().
		Str("op", op).
		Str("engine", string(engine)).
		Dur("duration", d).
		Msg("capture attempt succeeded")
}

// Runner attempts an operation across an ordered engine list, recording
// every attempt and falling back only when that can change the outcome.
type Runner struct {
	obs AttemptObserver
	log *zerolog.Logger
}

// NewRunner builds a Runner. A nil observer gets a zerolog-backed default.
func NewRunner(obs AttemptObserver) *Runner {
	log := logger.WithComponent("fallback")
	if obs == nil {
		obs = logObserver{log: log}
	}
	return &Runner{obs: obs, log: log}
}

// Run invokes attempt for each engine in order and returns the first
// success. A failure moves on to the next engine only when the failing
// engine is the modern one and a further engine remains; caller errors
// (IsCallerError) and legacy failures surface immediately. When every
// engine fails, the last error is returned.
func (r *Runner) Run(ctx context.Context, op string, engines []Engine, attempt func(Engine) (*Result, error)) (*Result, error) {
	if len(engines) == 0 {
		return nil, &CaptureError{Reason: "no capture engines available"}
	}

	var lastErr error
	for i, eng := range engines {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}

		start := time.Now()
		res, err := attempt(eng)
		elapsed := time.Since(start)

		r.obs.ObserveAttempt(op, eng.Kind(), elapsed, err)

		if err == nil {
			return res, nil
		}
		lastErr = err

		if IsCallerError(err) {
			return nil, err
		}
		if eng.Kind() == KindModern && i < len(engines)-1 {
			r.log.Warn().
				Str("op", op).
				Str("engine", string(eng.Kind())).
				Str("next", string(engines[i+1].Kind())).
				Err(err).
				Msg("engine failed, falling back")
			continue
		}
		return nil, err
	}
	return nil, lastErr
}
