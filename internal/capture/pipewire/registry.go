package pipewire

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/runloop"
)

// Registry keeps the live sessions, one per StreamKey. The map is confined
// to the run loop; session construction (portal handshake, subprocess
// launch) happens off-loop so a slow permission dialog cannot wedge frame
// delivery for the other sessions.
type Registry struct {
	loop *runloop.Loop
	log  *zerolog.Logger

	// Loop-confined.
	sessions map[StreamKey]*Session
}

func NewRegistry(loop *runloop.Loop) *Registry {
	return &Registry{
		loop:     loop,
		log:      logger.WithComponent("registry"),
		sessions: make(map[StreamKey]*Session),
	}
}

// Acquire returns the session for key, building one with create if none
// exists. Two callers racing on the same key both get the session that won
// the insert; the loser's creation is closed.
func (r *Registry) Acquire(ctx context.Context, key StreamKey, create func(context.Context) (*Session, error)) (*Session, error) {
	var existing *Session
	if err := r.loop.Do(ctx, func() error {
		existing = r.sessions[key]
		return nil
	}); err != nil {
		return nil, &capture.CaptureError{Reason: "capture loop unavailable", Err: err}
	}
	if existing != nil {
		return existing, nil
	}

	fresh, err := create(ctx)
	if err != nil {
		return nil, err
	}

	var winner *Session
	if err := r.loop.Do(ctx, func() error {
		if cur, ok := r.sessions[key]; ok {
			winner = cur
			return nil
		}
		r.sessions[key] = fresh
		winner = fresh
		return nil
	}); err != nil {
		fresh.Close()
		return nil, &capture.CaptureError{Reason: "capture loop unavailable", Err: err}
	}
	if winner != fresh {
		fresh.Close()
	} else {
		r.log.Info().Uint32("display_id", key.DisplayID).Str("scale", string(key.Scale)).
			Msg("session registered")
	}
	return winner, nil
}

// Remove drops sess from the registry and closes it, if it is still the
// registered session for key. A broken stream goes through here so the
// next capture builds a fresh one.
func (r *Registry) Remove(key StreamKey, sess *Session) {
	removed := false
	r.loop.Do(context.Background(), func() error {
		if r.sessions[key] == sess {
			delete(r.sessions, key)
			removed = true
		}
		return nil
	})
	if removed {
		r.log.Info().Uint32("display_id", key.DisplayID).Str("scale", string(key.Scale)).
			Msg("session evicted")
		sess.Close()
	}
}

// Shutdown closes every session. Call before closing the run loop; a
// closed loop leaves no way to collect the session map.
func (r *Registry) Shutdown() {
	var all []*Session
	r.loop.Do(context.Background(), func() error {
		for _, s := range r.sessions {
			all = append(all, s)
		}
		r.sessions = make(map[StreamKey]*Session)
		return nil
	})
	for _, s := range all {
		s.Close()
	}
}
