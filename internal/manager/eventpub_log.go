package manager

import "github.com/rs/zerolog"

// LogPublisher writes events to a zerolog logger at debug level.
type LogPublisher struct{ Log zerolog.Logger }

func (p LogPublisher) Publish(e Event) {
	p.Log.Debug().Str("event", e.Name).Str("model", e.Model).Fields(e.Fields).Msg("manager event")
}
