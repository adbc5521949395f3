package flagd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/open-feature/go-sdk/openfeature"

	"github.com/open-feature/flagd-provider-go/internal/backoff"
	"github.com/open-feature/flagd-provider-go/internal/connection"
	"github.com/open-feature/flagd-provider-go/internal/event"
	"github.com/open-feature/flagd-provider-go/internal/metrics"
	"github.com/open-feature/flagd-provider-go/internal/offline"
	"github.com/open-feature/flagd-provider-go/internal/readiness"
	"github.com/open-feature/flagd-provider-go/internal/store"
	"github.com/open-feature/flagd-provider-go/internal/stream"
)

// inProcessResolver evaluates flags locally against definitions fed by the
// flagd sync stream or by an offline file.
type inProcessResolver struct {
	opts       options
	sink       event.Sink
	logger     *slog.Logger
	metrics    *metrics.Recorder
	store      *store.Store
	providerID string
	now        func() time.Time

	mu     sync.RWMutex
	gate   *readiness.Gate
	conn   *connection.Manager
	done   <-chan struct{}
	cancel context.CancelFunc
	closed bool

	shutdownOnce sync.Once
}

var _ resolver = (*inProcessResolver)(nil)

func newInProcessResolver(o options, sink event.Sink, m *metrics.Recorder) *inProcessResolver {
	var targeter store.Targeter
	if o.targeter != nil {
		targeter = store.NewRecoveringTargeter(o.targeter)
	}
	return &inProcessResolver{
		opts:       o,
		sink:       sink,
		logger:     o.logger,
		metrics:    m,
		store:      store.New(targeter),
		providerID: uuid.NewString(),
		now:        time.Now,
	}
}

func (r *inProcessResolver) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	if r.gate != nil {
		r.mu.Unlock()
		return errAlreadyInitialized
	}

	gate := readiness.New()
	sink := &gatedSink{gate: gate, next: r.sink, logger: r.logger}
	runCtx, cancel := context.WithCancel(context.Background())

	if r.opts.Offline() {
		p, err := offline.New(offline.Options{
			Path:     r.opts.OfflineFlagSourcePath,
			Interval: r.opts.OfflinePollInterval(),
			Store:    r.store,
			Sink:     sink,
			Logger:   r.logger,
			Metrics:  r.metrics,
		})
		if err != nil {
			cancel()
			r.mu.Unlock()
			return err
		}
		r.done = p.Done()
		go p.Run(runCtx)
	} else {
		conn, err := dial(ctx, r.opts)
		if err != nil {
			cancel()
			r.mu.Unlock()
			return err
		}
		w := stream.New(stream.Options{
			Source:         stream.NewSyncSource(conn, r.opts.Selector, r.providerID, r.store.ApplyJSON),
			Sink:           sink,
			Conn:           conn,
			Backoff:        backoff.New(r.opts.RetryBackoff(), r.opts.RetryBackoffMax()),
			StreamDeadline: r.opts.StreamDeadline(),
			MaxRetries:     r.opts.MaxEventStreamRetries,
			Logger:         r.logger,
			Metrics:        r.metrics,
		})
		r.conn, r.done = conn, w.Done()
		go w.Run(runCtx)
	}
	r.gate, r.cancel = gate, cancel
	r.mu.Unlock()

	return gate.Wait(ctx, r.opts.Deadline())
}

// Shutdown is idempotent and safe before Init.
func (r *inProcessResolver) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		conn, done, cancel := r.conn, r.done, r.cancel
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}
		if done != nil {
			<-done
		}
	})
}

func (r *inProcessResolver) Resolve(_ context.Context, key string, _ flagType, evalCtx openfeature.FlattenedContext) (resolution, error) {
	if err := r.ready(); err != nil {
		return resolution{}, r.fail(err)
	}
	local, err := localContext(key, evalCtx, r.now())
	if err != nil {
		return resolution{}, r.fail(newResolutionError(InvalidContextCode, err,
			"could not serialize evaluation context: %v", err))
	}

	res, err := r.store.Evaluate(key, local)
	if err != nil {
		return resolution{Reason: openfeature.Reason(res.Reason), Metadata: res.Metadata}, r.fail(fromStore(err))
	}
	return resolution{
		Value:    res.Value,
		Variant:  res.Variant,
		Reason:   openfeature.Reason(res.Reason),
		Metadata: res.Metadata,
	}, nil
}

// ready fails until the first flag definitions have been loaded.
func (r *inProcessResolver) ready() *ResolutionError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return asResolutionError(ErrShutdown)
	}
	if r.gate == nil {
		return newResolutionError(ProviderNotReadyCode, nil, "provider not initialized")
	}
	select {
	case <-r.gate.Done():
		return nil
	default:
		return newResolutionError(ProviderNotReadyCode, nil, "flag definitions not loaded yet")
	}
}

func (r *inProcessResolver) fail(err *ResolutionError) *ResolutionError {
	r.metrics.ResolveError(string(err.Code))
	return err
}
