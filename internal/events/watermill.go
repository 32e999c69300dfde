package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
)

// zerologAdapter routes watermill's internal logging through zerolog.
type zerologAdapter struct {
	fields watermill.LogFields
}

// NewLoggerAdapter returns a watermill logger backed by the global zerolog
// logger.
func NewLoggerAdapter() watermill.LoggerAdapter {
	return zerologAdapter{}
}

func (a zerologAdapter) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range a.fields {
		e = e.Interface(k, v)
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(logging.Error().Err(err), fields).Msg("[EVENTS] " + msg)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(logging.Info(), fields).Msg("[EVENTS] " + msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(logging.Debug(), fields).Msg("[EVENTS] " + msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	l := logging.Logger()
	a.event(l.Trace(), fields).Msg("[EVENTS] " + msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{fields: a.fields.Add(fields)}
}
