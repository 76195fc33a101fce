// Package visual provides capture confirmation sinks. Flashes are advisory:
// every implementation swallows its own failures.
package visual

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// Event is one flash notification as published to external sinks.
type Event struct {
	Kind          string        `json:"kind"`
	Rect          geometry.Rect `json:"rect"`
	CorrelationID string        `json:"correlation_id"`
	At            time.Time     `json:"at"`
}

// LogFlasher records flashes in the log. This is the headless default.
type LogFlasher struct {
	log *zerolog.Logger
}

func NewLogFlasher() *LogFlasher {
	return &LogFlasher{log: logger.WithComponent("flash")}
}

func (f *LogFlasher) FlashShot(rect geometry.Rect, id uuid.UUID) {
	f.log.Info().Str("correlation_id", id.String()).
		Float64("x", rect.X).Float64("y", rect.Y).
		Float64("w", rect.Width).Float64("h", rect.Height).
		Msg("capture flash")
}

func (f *LogFlasher) FlashWatch(rect geometry.Rect, id uuid.UUID) {
	f.log.Info().Str("correlation_id", id.String()).
		Float64("x", rect.X).Float64("y", rect.Y).
		Float64("w", rect.Width).Float64("h", rect.Height).
		Msg("watch indicator")
}

// EventFlasher turns flashes into events for a publisher, typically the
// HTTP API's websocket hub.
type EventFlasher struct {
	publish func(Event)
}

func NewEventFlasher(publish func(Event)) *EventFlasher {
	return &EventFlasher{publish: publish}
}

func (f *EventFlasher) FlashShot(rect geometry.Rect, id uuid.UUID) {
	f.publish(Event{Kind: "capture.flash", Rect: rect, CorrelationID: id.String(), At: time.Now()})
}

func (f *EventFlasher) FlashWatch(rect geometry.Rect, id uuid.UUID) {
	f.publish(Event{Kind: "capture.watch", Rect: rect, CorrelationID: id.String(), At: time.Now()})
}

// Multi fans one flash out to several sinks in order.
type Multi []capture.Flasher

func (m Multi) FlashShot(rect geometry.Rect, id uuid.UUID) {
	for _, f := range m {
		f.FlashShot(rect, id)
	}
}

func (m Multi) FlashWatch(rect geometry.Rect, id uuid.UUID) {
	for _, f := range m {
		f.FlashWatch(rect, id)
	}
}
