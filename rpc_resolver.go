package flagd

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	evaluationv1grpc "buf.build/gen/go/open-feature/flagd/grpc/go/flagd/evaluation/v1/evaluationv1grpc"
	evaluationv1 "buf.build/gen/go/open-feature/flagd/protocolbuffers/go/flagd/evaluation/v1"
	"github.com/open-feature/go-sdk/openfeature"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/open-feature/flagd-provider-go/internal/backoff"
	"github.com/open-feature/flagd-provider-go/internal/cache"
	"github.com/open-feature/flagd-provider-go/internal/connection"
	"github.com/open-feature/flagd-provider-go/internal/event"
	"github.com/open-feature/flagd-provider-go/internal/metrics"
	"github.com/open-feature/flagd-provider-go/internal/readiness"
	"github.com/open-feature/flagd-provider-go/internal/stream"
)

var errAlreadyInitialized = errors.New("resolver already initialized")

// rpcResolver resolves every flag with a unary call to the flagd evaluation
// service. Static results are cached until the event stream names them.
type rpcResolver struct {
	opts    options
	sink    event.Sink
	logger  *slog.Logger
	metrics *metrics.Recorder
	cache   *cache.Cache

	mu     sync.RWMutex
	conn   *connection.Manager
	worker *stream.Worker
	cancel context.CancelFunc
	closed bool

	shutdownOnce sync.Once
}

var _ resolver = (*rpcResolver)(nil)

func newRPCResolver(o options, sink event.Sink, m *metrics.Recorder) (*rpcResolver, error) {
	c, err := cache.New(o.Cache, o.MaxCacheSize)
	if err != nil {
		return nil, err
	}
	return &rpcResolver{
		opts:    o,
		sink:    sink,
		logger:  o.logger,
		metrics: m,
		cache:   c,
	}, nil
}

// Init dials flagd, starts the event stream and blocks until the stream is
// ready or the deadline elapses. The stream keeps retrying after a timeout.
func (r *rpcResolver) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	if r.worker != nil {
		r.mu.Unlock()
		return errAlreadyInitialized
	}

	conn, err := dial(ctx, r.opts)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	gate := readiness.New()
	runCtx, cancel := context.WithCancel(context.Background())
	w := stream.New(stream.Options{
		Source:         stream.NewEventSource(conn, r.logger),
		Sink:           &gatedSink{gate: gate, next: r.sink, logger: r.logger},
		Conn:           conn,
		Backoff:        backoff.New(r.opts.RetryBackoff(), r.opts.RetryBackoffMax()),
		StreamDeadline: r.opts.StreamDeadline(),
		MaxRetries:     r.opts.MaxEventStreamRetries,
		OnChange:       r.cache.InvalidateAll,
		OnReady:        r.cache.Clear,
		Logger:         r.logger,
		Metrics:        r.metrics,
	})
	r.conn, r.worker, r.cancel = conn, w, cancel
	r.mu.Unlock()

	go w.Run(runCtx)
	return gate.Wait(ctx, r.opts.Deadline())
}

// Shutdown is idempotent and safe before Init.
func (r *rpcResolver) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		conn, w, cancel := r.conn, r.worker, r.cancel
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}
		if w != nil {
			<-w.Done()
		}
		r.cache.Clear()
	})
}

func (r *rpcResolver) Resolve(ctx context.Context, key string, t flagType, evalCtx openfeature.FlattenedContext) (resolution, error) {
	if e, ok := r.cache.Get(key); ok {
		r.metrics.CacheHit()
		return resolution{
			Value:    e.Value,
			Variant:  e.Variant,
			Reason:   openfeature.Reason(e.Reason),
			Metadata: e.Metadata,
		}, nil
	}
	if r.cache.Enabled() {
		r.metrics.CacheMiss()
	}

	conn, err := r.connection()
	if err != nil {
		return resolution{}, r.fail(asResolutionError(err))
	}
	protoCtx, err := contextToStruct(evalCtx)
	if err != nil {
		return resolution{}, r.fail(newResolutionError(InvalidContextCode, err,
			"could not serialize evaluation context: %v", err))
	}

	gen := r.cache.Generation(key)
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Deadline())
	defer cancel()
	res, err := call(callCtx, evaluationv1grpc.NewServiceClient(conn.Conn()), key, t, protoCtx)
	if err != nil {
		return resolution{}, r.fail(fromStatus(err))
	}

	if res.Reason == cache.StaticReason {
		r.cache.PutIfGeneration(cache.Entry{
			Key:      key,
			Value:    res.Value,
			Variant:  res.Variant,
			Reason:   string(res.Reason),
			Metadata: res.Metadata,
		}, gen)
	}
	return res, nil
}

func (r *rpcResolver) connection() (*connection.Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrShutdown
	}
	if r.conn == nil {
		return nil, newResolutionError(ProviderNotReadyCode, nil, "provider not initialized")
	}
	return r.conn, nil
}

func (r *rpcResolver) fail(err *ResolutionError) *ResolutionError {
	r.metrics.ResolveError(string(err.Code))
	return err
}

func call(ctx context.Context, client evaluationv1grpc.ServiceClient, key string, t flagType, evalCtx *structpb.Struct) (resolution, error) {
	switch t {
	case boolType:
		resp, err := client.ResolveBoolean(ctx, &evaluationv1.ResolveBooleanRequest{FlagKey: key, Context: evalCtx})
		if err != nil {
			return resolution{}, err
		}
		return wireResolution(resp.GetValue(), resp.GetVariant(), resp.GetReason(), resp.GetMetadata()), nil
	case stringType:
		resp, err := client.ResolveString(ctx, &evaluationv1.ResolveStringRequest{FlagKey: key, Context: evalCtx})
		if err != nil {
			return resolution{}, err
		}
		return wireResolution(resp.GetValue(), resp.GetVariant(), resp.GetReason(), resp.GetMetadata()), nil
	case floatType:
		resp, err := client.ResolveFloat(ctx, &evaluationv1.ResolveFloatRequest{FlagKey: key, Context: evalCtx})
		if err != nil {
			return resolution{}, err
		}
		return wireResolution(resp.GetValue(), resp.GetVariant(), resp.GetReason(), resp.GetMetadata()), nil
	case intType:
		resp, err := client.ResolveInt(ctx, &evaluationv1.ResolveIntRequest{FlagKey: key, Context: evalCtx})
		if err != nil {
			return resolution{}, err
		}
		return wireResolution(resp.GetValue(), resp.GetVariant(), resp.GetReason(), resp.GetMetadata()), nil
	default:
		resp, err := client.ResolveObject(ctx, &evaluationv1.ResolveObjectRequest{FlagKey: key, Context: evalCtx})
		if err != nil {
			return resolution{}, err
		}
		var value any
		if resp.GetValue() != nil {
			value = protoStructToGo(resp.GetValue())
		}
		return wireResolution(value, resp.GetVariant(), resp.GetReason(), resp.GetMetadata()), nil
	}
}

func wireResolution(value any, variant, reason string, md *structpb.Struct) resolution {
	return resolution{
		Value:    value,
		Variant:  variant,
		Reason:   openfeature.Reason(reason),
		Metadata: protoStructToGo(md),
	}
}

// dial opens the channel shared by unary calls and the stream.
func dial(ctx context.Context, o options) (*connection.Manager, error) {
	selector := NewSelectorInterceptor(o.Selector)
	return connection.New(ctx, connection.Options{
		Target:             o.Target(),
		TLS:                o.TLS,
		CertPath:           o.CertPath,
		KeepAlive:          o.KeepAlive(),
		UnaryInterceptors:  []grpc.UnaryClientInterceptor{selector.UnaryClientInterceptor()},
		StreamInterceptors: []grpc.StreamClientInterceptor{selector.StreamClientInterceptor()},
		Factory:            hookedFactory(o.connFactory, o.hooks),
		Logger:             o.logger,
	})
}
