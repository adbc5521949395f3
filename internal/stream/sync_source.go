package stream

import (
	"context"
	"fmt"

	syncv1grpc "buf.build/gen/go/open-feature/flagd/grpc/go/flagd/sync/v1/syncv1grpc"
	syncv1 "buf.build/gen/go/open-feature/flagd/protocolbuffers/go/flagd/sync/v1"

	"github.com/open-feature/flagd-provider-go/internal/connection"
)

// ApplyFunc consumes a full flag-definition document and returns the keys it
// changed.
type ApplyFunc func(document string) ([]string, error)

// SyncSource subscribes to the flagd sync service, used in in-process mode to
// keep the local flag store current.
type SyncSource struct {
	conn       *connection.Manager
	selector   string
	providerID string
	apply      ApplyFunc
}

var _ Source = (*SyncSource)(nil)

func NewSyncSource(conn *connection.Manager, selector, providerID string, apply ApplyFunc) *SyncSource {
	return &SyncSource{
		conn:       conn,
		selector:   selector,
		providerID: providerID,
		apply:      apply,
	}
}

func (s *SyncSource) Name() string { return "sync" }

func (s *SyncSource) Open(ctx context.Context) (Receiver, error) {
	client := syncv1grpc.NewFlagSyncServiceClient(s.conn.Conn())
	st, err := client.SyncFlags(ctx, &syncv1.SyncFlagsRequest{
		ProviderId: s.providerID,
		Selector:   s.selector,
	})
	if err != nil {
		return nil, err
	}
	return &syncReceiver{stream: st, apply: s.apply}, nil
}

type syncReceiver struct {
	stream interface {
		Recv() (*syncv1.SyncFlagsResponse, error)
	}
	apply ApplyFunc
}

// Recv applies every payload before returning it. Each payload is a complete
// document, so each one doubles as a ready signal.
func (r *syncReceiver) Recv() (Update, error) {
	msg, err := r.stream.Recv()
	if err != nil {
		return Update{}, err
	}
	changed, err := r.apply(msg.GetFlagConfiguration())
	if err != nil {
		return Update{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return Update{Ready: true, Changed: changed}, nil
}
