package flagd

import (
	"fmt"

	"github.com/open-feature/flagd-provider-go/internal/metrics"
)

// NewProvider builds a provider from the FLAGD_* environment variables,
// overridden by opts. Nothing connects until Init.
func NewProvider(opts ...Option) (*Provider, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	recorder, err := metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	events := newEventPublisher(providerName, o.eventBuffer, o.logger)

	var r resolver
	switch o.Resolver {
	case ResolverInProcess:
		r = newInProcessResolver(o, events, recorder)
	default:
		r, err = newRPCResolver(o, events, recorder)
		if err != nil {
			return nil, fmt.Errorf("failed to create rpc resolver: %w", err)
		}
	}

	return &Provider{
		opts:     o,
		resolver: r,
		events:   events,
		logger:   o.logger,
	}, nil
}
