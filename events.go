package flagd

import (
	"log/slog"

	"github.com/open-feature/go-sdk/openfeature"

	"github.com/open-feature/flagd-provider-go/internal/event"
	"github.com/open-feature/flagd-provider-go/internal/readiness"
)

const defaultEventBuffer = 64

// eventPublisher turns resolver events into OpenFeature provider events.
type eventPublisher struct {
	name   string
	ch     chan openfeature.Event
	logger *slog.Logger
}

var _ event.Sink = (*eventPublisher)(nil)

func newEventPublisher(name string, buffer int, logger *slog.Logger) *eventPublisher {
	return &eventPublisher{
		name:   name,
		ch:     make(chan openfeature.Event, buffer),
		logger: logger,
	}
}

func (p *eventPublisher) OnReady() {
	p.publish(openfeature.ProviderReady, openfeature.ProviderEventDetails{
		Message: "flagd connection established",
	})
}

// OnError reports a stale provider while retries remain and an errored one
// once they are exhausted. Reconnection continues in both cases.
func (p *eventPublisher) OnError(details event.ErrorDetails) {
	eventType := openfeature.ProviderStale
	if details.Exhausted {
		eventType = openfeature.ProviderError
	}
	p.publish(eventType, openfeature.ProviderEventDetails{
		Message: details.Message,
		EventMetadata: map[string]any{
			"errorCode": string(details.Code),
			"attempt":   details.Attempt,
		},
	})
}

func (p *eventPublisher) OnConfigurationChanged(keys []string) {
	p.publish(openfeature.ProviderConfigChange, openfeature.ProviderEventDetails{
		Message:     "flag configuration changed",
		FlagChanges: keys,
	})
}

// publish never blocks the worker. Events are dropped when nobody drains the
// channel.
func (p *eventPublisher) publish(t openfeature.EventType, details openfeature.ProviderEventDetails) {
	e := openfeature.Event{
		ProviderName:         p.name,
		EventType:            t,
		ProviderEventDetails: details,
	}
	select {
	case p.ch <- e:
	default:
		p.logger.Warn("Event channel full, dropping provider event", "type", t)
	}
}

// gatedSink releases the readiness gate on the first ready signal and hides
// events that belong to the blocking part of Init: the first ready is
// reported by Init returning, and errors before it by Init failing.
type gatedSink struct {
	gate   *readiness.Gate
	next   event.Sink
	logger *slog.Logger
}

var _ event.Sink = (*gatedSink)(nil)

func (s *gatedSink) OnReady() {
	if s.gate.MarkReady() {
		return
	}
	s.next.OnReady()
}

func (s *gatedSink) OnError(details event.ErrorDetails) {
	if s.gate.State() == readiness.Pending {
		s.logger.Debug("Connection attempt failed during init", "message", details.Message)
		return
	}
	s.next.OnError(details)
}

func (s *gatedSink) OnConfigurationChanged(keys []string) {
	s.next.OnConfigurationChanged(keys)
}
