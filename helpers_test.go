package flagd

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/open-feature/go-sdk/openfeature"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/open-feature/flagd-provider-go/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testOptionList pins every environment-backed setting so tests do not depend
// on FLAGD_* variables of the machine running them.
func testOptionList(srv *testutil.Server, extra ...Option) []Option {
	base := []Option{
		WithHost("localhost"),
		WithPort(0),
		WithSocketPath(""),
		WithTLS(false),
		func(o *options) {
			o.CertPath = ""
			o.OfflineFlagSourcePath = ""
			o.KeepAliveMs = 0
		},
		WithSelector(""),
		WithRPCResolver(),
		WithDeadline(time.Second),
		WithStreamDeadline(0),
		WithRetryBackoff(10*time.Millisecond, 50*time.Millisecond),
		WithMaxEventStreamRetries(5),
		WithLRUCache(100),
		WithLogger(discardLogger()),
	}
	if srv != nil {
		base = append(base, WithConnFactory(srv.Factory()))
	}
	return append(base, extra...)
}

func testOptions(t *testing.T, srv *testutil.Server, extra ...Option) options {
	t.Helper()
	o, err := buildOptions(testOptionList(srv, extra...))
	require.NoError(t, err)
	return o
}

func newTestProvider(t *testing.T, srv *testutil.Server, extra ...Option) *Provider {
	t.Helper()
	p, err := NewProvider(testOptionList(srv, extra...)...)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

// nextEvent waits for the next provider event of type want, skipping others.
func nextEvent(t *testing.T, p *Provider, want openfeature.EventType) openfeature.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-p.EventChannel():
			if e.EventType == want {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

// counterValue sums every sample of the named counter family in reg.
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func bg() context.Context {
	return context.Background()
}
