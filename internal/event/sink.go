// Package event defines the lifecycle notifications a resolver emits to its host.
package event

// ErrorCode classifies an error event.
type ErrorCode string

const (
	// GeneralCode marks a recoverable connectivity or payload failure.
	GeneralCode ErrorCode = "GENERAL"
	// ParseErrorCode marks a flag payload that could not be decoded.
	ParseErrorCode ErrorCode = "PARSE_ERROR"
)

// ErrorDetails describes one failed stream or source attempt.
type ErrorDetails struct {
	Message string
	Code    ErrorCode
	// Attempt is the number of consecutive failed attempts, starting at 1.
	Attempt int
	// Exhausted is set once Attempt exceeds the configured retry budget.
	// Reconnection continues regardless.
	Exhausted bool
}

// Sink receives resolver lifecycle events. Implementations are called
// synchronously from the background worker and must not block.
type Sink interface {
	OnReady()
	OnError(details ErrorDetails)
	OnConfigurationChanged(keys []string)
}

// Funcs adapts plain functions to a Sink. Nil fields are ignored.
type Funcs struct {
	Ready                func()
	Error                func(ErrorDetails)
	ConfigurationChanged func([]string)
}

var _ Sink = Funcs{}

func (f Funcs) OnReady() {
	if f.Ready != nil {
		f.Ready()
	}
}

func (f Funcs) OnError(details ErrorDetails) {
	if f.Error != nil {
		f.Error(details)
	}
}

func (f Funcs) OnConfigurationChanged(keys []string) {
	if f.ConfigurationChanged != nil {
		f.ConfigurationChanged(keys)
	}
}

// Discard is a Sink that drops every event.
var Discard Sink = Funcs{}
