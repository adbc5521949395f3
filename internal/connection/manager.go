// Package connection owns the gRPC channel to flagd and rebuilds it after
// transport-level failures.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// State of the channel as observed by the stream worker.
type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Streaming:
		return "STREAMING"
	case Degraded:
		return "DEGRADED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrClosed is returned by Rebuild after Close.
var ErrClosed = errors.New("connection manager is closed")

// Factory lets callers customize how channels are created. It receives the
// computed target and the default dial options (credentials, keep-alive,
// interceptors) and may modify or replace them.
type Factory func(ctx context.Context, target string, defaultOpts []grpc.DialOption) (grpc.ClientConnInterface, error)

// DefaultFactory dials with grpc.NewClient.
func DefaultFactory(_ context.Context, target string, opts []grpc.DialOption) (grpc.ClientConnInterface, error) {
	return grpc.NewClient(target, opts...)
}

// Options configures a Manager.
type Options struct {
	// Target is host:port or unix:///path.
	Target string
	TLS    bool
	// CertPath optionally points at a PEM file used to verify the server.
	CertPath           string
	KeepAlive          time.Duration
	UnaryInterceptors  []grpc.UnaryClientInterceptor
	StreamInterceptors []grpc.StreamClientInterceptor
	Factory            Factory
	Logger             *slog.Logger
}

// Manager holds the current channel. The channel is replaced wholesale on
// Rebuild and never mutated in place.
type Manager struct {
	target  string
	opts    []grpc.DialOption
	factory Factory
	logger  *slog.Logger

	mu     sync.RWMutex
	conn   grpc.ClientConnInterface
	active atomic.Bool
	state  atomic.Int32
}

// New dials the target and returns an active Manager.
func New(ctx context.Context, o Options) (*Manager, error) {
	if o.Target == "" {
		return nil, fmt.Errorf("target is required")
	}
	opts, err := dialOptions(o)
	if err != nil {
		return nil, err
	}
	factory := o.Factory
	if factory == nil {
		factory = DefaultFactory
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		target:  o.Target,
		opts:    opts,
		factory: factory,
		logger:  logger,
	}
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.conn = conn
	m.active.Store(true)
	return m, nil
}

func dialOptions(o Options) ([]grpc.DialOption, error) {
	var creds credentials.TransportCredentials
	switch {
	case o.TLS && o.CertPath != "":
		c, err := credentials.NewClientTLSFromFile(o.CertPath, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load server certificate %s: %w", o.CertPath, err)
		}
		creds = c
	case o.TLS:
		creds = credentials.NewTLS(nil)
	default:
		creds = insecure.NewCredentials()
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if o.KeepAlive > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                o.KeepAlive,
			PermitWithoutStream: true,
		}))
	}
	if len(o.UnaryInterceptors) > 0 {
		opts = append(opts, grpc.WithChainUnaryInterceptor(o.UnaryInterceptors...))
	}
	if len(o.StreamInterceptors) > 0 {
		opts = append(opts, grpc.WithChainStreamInterceptor(o.StreamInterceptors...))
	}
	return opts, nil
}

func (m *Manager) dial(ctx context.Context) (grpc.ClientConnInterface, error) {
	conn, err := m.factory(ctx, m.target, append([]grpc.DialOption{}, m.opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", m.target, err)
	}
	return conn, nil
}

// Target returns the dialed target.
func (m *Manager) Target() string { return m.target }

// Conn returns the current channel.
func (m *Manager) Conn() grpc.ClientConnInterface {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// Active reports whether Close has not been called yet.
func (m *Manager) Active() bool {
	return m.active.Load()
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) SetState(s State) {
	m.state.Store(int32(s))
}

// Rebuild tears down the current channel and dials a new one.
func (m *Manager) Rebuild(ctx context.Context) error {
	if !m.Active() {
		return ErrClosed
	}
	conn, err := m.dial(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.conn
	if !m.active.Load() {
		m.mu.Unlock()
		closeConn(conn, m.logger)
		return ErrClosed
	}
	m.conn = conn
	m.mu.Unlock()

	closeConn(old, m.logger)
	m.logger.Debug("Rebuilt gRPC channel", "target", m.target)
	return nil
}

// Close clears the active flag and closes the channel. It is idempotent.
func (m *Manager) Close() {
	if !m.active.CompareAndSwap(true, false) {
		return
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	m.SetState(Disconnected)
	closeConn(conn, m.logger)
}

func closeConn(conn grpc.ClientConnInterface, logger *slog.Logger) {
	if closer, ok := conn.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("Failed to close gRPC connection", "error", err)
		}
	}
}

// ShouldRebuild reports whether err means the transport itself dropped.
// Application-level rejects leave a usable channel behind.
func ShouldRebuild(err error) bool {
	if err == nil {
		return false
	}
	return status.Code(err) == codes.Unavailable
}
