// Package stream runs the background loop that keeps a server-streamed
// subscription alive: connect, stream, back off, reconnect.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/open-feature/flagd-provider-go/internal/backoff"
	"github.com/open-feature/flagd-provider-go/internal/connection"
	"github.com/open-feature/flagd-provider-go/internal/event"
	"github.com/open-feature/flagd-provider-go/internal/metrics"
)

var (
	// ErrMalformed wraps payloads that could not be decoded. It ends the
	// current stream attempt only.
	ErrMalformed = errors.New("malformed stream payload")
	// ErrStreamClosed is reported when the server ends a stream cleanly.
	ErrStreamClosed = errors.New("stream closed by server")
)

// Update is one decoded inbound message.
type Update struct {
	// Ready marks a ready signal: an explicit marker or a first payload.
	Ready bool
	// Changed lists the flag keys a configuration change touched.
	Changed []string
}

// Receiver yields decoded messages of one open stream.
type Receiver interface {
	Recv() (Update, error)
}

// Source opens stream attempts.
type Source interface {
	// Name labels logs and metrics.
	Name() string
	Open(ctx context.Context) (Receiver, error)
}

type Options struct {
	Source Source
	Sink   event.Sink
	// Conn is optional. When set its Active flag gates the loop, its state
	// cell is kept current and it is rebuilt after transport drops.
	Conn    *connection.Manager
	Backoff *backoff.Backoff
	// StreamDeadline bounds a single stream attempt. Zero disables it.
	StreamDeadline time.Duration
	// MaxRetries is the number of consecutive failed attempts after which
	// error events are flagged as exhausted. Zero never flags them.
	MaxRetries int
	// OnChange runs before the configuration-changed event is emitted.
	OnChange func(keys []string)
	// OnReady runs before the ready event of every stream, first or reconnected.
	OnReady func()
	Logger  *slog.Logger
	Metrics  *metrics.Recorder
}

// Worker is the reconnect state machine. Exactly one goroutine runs it.
type Worker struct {
	source     Source
	sink       event.Sink
	conn       *connection.Manager
	backoff    *backoff.Backoff
	deadline   time.Duration
	maxRetries int
	onChange   func([]string)
	onReady    func()
	logger     *slog.Logger
	metrics    *metrics.Recorder

	connected atomic.Bool
	attempts  int
	done      chan struct{}
}

func New(o Options) *Worker {
	w := &Worker{
		source:     o.Source,
		sink:       o.Sink,
		conn:       o.Conn,
		backoff:    o.Backoff,
		deadline:   o.StreamDeadline,
		maxRetries: o.MaxRetries,
		onChange:   o.OnChange,
		onReady:    o.OnReady,
		logger:     o.Logger,
		metrics:    o.Metrics,
		done:       make(chan struct{}),
	}
	if w.sink == nil {
		w.sink = event.Discard
	}
	if w.backoff == nil {
		w.backoff = backoff.New(backoff.DefaultMin, backoff.DefaultMax)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Connected reports whether the current stream has delivered its ready signal.
func (w *Worker) Connected() bool {
	return w.connected.Load()
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run loops until ctx is cancelled or the connection manager is closed.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.disconnect()

	for w.active(ctx) {
		err := w.attempt(ctx)
		w.disconnect()

		if !w.active(ctx) {
			w.logger.Info("Terminating stream worker", "source", w.source.Name())
			return
		}

		w.attempts++
		w.metrics.Reconnect(w.source.Name())
		w.recover(ctx, err)

		delay := w.backoff.Next()
		code := event.GeneralCode
		if errors.Is(err, ErrMalformed) {
			code = event.ParseErrorCode
			w.logger.Error("Could not parse flag data from stream", "source", w.source.Name(), "error", err)
		} else {
			w.logger.Error("Stream error", "source", w.source.Name(), "error", err)
		}
		msg := fmt.Sprintf("%s stream disconnected, reconnecting in %s", w.source.Name(), delay)
		w.logger.Info(msg)
		w.sink.OnError(event.ErrorDetails{
			Message:   msg,
			Code:      code,
			Attempt:   w.attempts,
			Exhausted: w.maxRetries > 0 && w.attempts > w.maxRetries,
		})

		if !w.active(ctx) || !sleep(ctx, delay) {
			w.logger.Info("Terminating stream worker", "source", w.source.Name())
			return
		}
	}
}

func (w *Worker) attempt(ctx context.Context) error {
	w.setState(connection.Connecting)
	w.logger.Debug("Setting up stream connection", "source", w.source.Name())

	// Cancelling on return releases the server side of an abandoned stream.
	var (
		streamCtx context.Context
		cancel    context.CancelFunc
	)
	if w.deadline > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, w.deadline)
	} else {
		streamCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	recv, err := w.source.Open(streamCtx)
	if err != nil {
		return err
	}
	for {
		if !w.active(ctx) {
			return ctx.Err()
		}
		u, err := recv.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamClosed
			}
			return err
		}
		w.dispatch(u)
	}
}

func (w *Worker) dispatch(u Update) {
	// A decoded message proves the application handshake works.
	w.backoff.Reset()
	w.attempts = 0

	if u.Ready && w.connected.CompareAndSwap(false, true) {
		w.setState(connection.Streaming)
		w.metrics.Connected(true)
		w.logger.Info("Stream connection established", "source", w.source.Name())
		if w.onReady != nil {
			w.onReady()
		}
		w.sink.OnReady()
	}
	if len(u.Changed) > 0 {
		if w.onChange != nil {
			w.onChange(u.Changed)
		}
		w.sink.OnConfigurationChanged(u.Changed)
	}
}

func (w *Worker) recover(ctx context.Context, err error) {
	if w.conn == nil {
		return
	}
	w.setState(connection.Degraded)
	if !connection.ShouldRebuild(err) {
		return
	}
	if rerr := w.conn.Rebuild(ctx); rerr != nil {
		w.logger.Warn("Failed to rebuild gRPC channel", "error", rerr)
	}
}

func (w *Worker) disconnect() {
	if w.connected.CompareAndSwap(true, false) {
		w.metrics.Connected(false)
	}
}

func (w *Worker) setState(s connection.State) {
	if w.conn != nil {
		w.conn.SetState(s)
	}
}

func (w *Worker) active(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return w.conn == nil || w.conn.Active()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
