package tariff

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/pulquero/agile-powerwall/pkg/types"
)

// Kind classifies a failed cycle so callers can decide between retrying and
// waiting for a configuration fix.
type Kind string

const (
	KindNone          Kind = "ok"
	KindReadiness     Kind = "readiness"
	KindConfiguration Kind = "configuration"
	KindComposition   Kind = "composition"
	KindTransport     Kind = "transport"
	KindUnknown       Kind = "unknown"
)

// ReadinessError reports rate batches that are missing, stale or not
// contiguous. The cycle is retried on the next ingestion.
type ReadinessError struct {
	Direction types.Direction
	Pending   []types.Slot
	Gaps      []string
}

func (e *ReadinessError) Error() string {
	var parts []string
	if len(e.Pending) > 0 {
		names := lo.Map(e.Pending, func(s types.Slot, _ int) string { return s.String() })
		parts = append(parts, "waiting for "+strings.Join(names, ", ")+" rates")
	}
	parts = append(parts, e.Gaps...)
	msg := strings.Join(parts, "; ")
	if e.Direction != "" {
		return string(e.Direction) + ": " + msg
	}
	return msg
}

// ConfigError is a malformed or inconsistent banding configuration.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "configuration: " + e.Msg
}

func configErrorf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// CompositionError means there was no band data to build a document from.
type CompositionError struct {
	Msg string
}

func (e *CompositionError) Error() string {
	return "composition: " + e.Msg
}

// TransportError wraps a failed exchange with the gateway.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify returns the Kind of err.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var re *ReadinessError
	var ce *ConfigError
	var co *CompositionError
	var te *TransportError
	switch {
	case errors.As(err, &re):
		return KindReadiness
	case errors.As(err, &ce):
		return KindConfiguration
	case errors.As(err, &co):
		return KindComposition
	case errors.As(err, &te):
		return KindTransport
	}
	return KindUnknown
}
