// Package logging builds the process logger and carries request-scoped fields.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// New returns a logrus logger. format "text" selects the text formatter,
// anything else JSON. An unknown level falls back to info.
func New(level, format string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	if out == nil {
		out = os.Stdout
	}
	log.Out = out

	if strings.EqualFold(format, "text") {
		log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	} else {
		log.Formatter = &logrus.JSONFormatter{}
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// Component returns an entry tagged with the component name.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

type traceKey struct{}

// NewTraceID generates a trace id for a request.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores the trace id on ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID returns the trace id stored on ctx, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// FromContext decorates entry with the request's trace id.
func FromContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	if id := TraceID(ctx); id != "" {
		return entry.WithField("trace_id", id)
	}
	return entry
}
