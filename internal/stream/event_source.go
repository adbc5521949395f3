package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	evaluationv1grpc "buf.build/gen/go/open-feature/flagd/grpc/go/flagd/evaluation/v1/evaluationv1grpc"
	evaluationv1 "buf.build/gen/go/open-feature/flagd/protocolbuffers/go/flagd/evaluation/v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/open-feature/flagd-provider-go/internal/connection"
)

// Event types sent on the flagd evaluation event stream.
const (
	EventProviderReady       = "provider_ready"
	EventConfigurationChange = "configuration_change"
	EventProviderPing        = "provider_ping"
)

// EventSource subscribes to the evaluation service's event stream, used in
// remote resolution mode to learn which cached flags went stale.
type EventSource struct {
	conn   *connection.Manager
	logger *slog.Logger
}

var _ Source = (*EventSource)(nil)

func NewEventSource(conn *connection.Manager, logger *slog.Logger) *EventSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventSource{conn: conn, logger: logger}
}

func (s *EventSource) Name() string { return "event" }

func (s *EventSource) Open(ctx context.Context) (Receiver, error) {
	client := evaluationv1grpc.NewServiceClient(s.conn.Conn())
	st, err := client.EventStream(ctx, &evaluationv1.EventStreamRequest{})
	if err != nil {
		return nil, err
	}
	return &eventReceiver{stream: st, logger: s.logger}, nil
}

type eventReceiver struct {
	stream interface {
		Recv() (*evaluationv1.EventStreamResponse, error)
	}
	logger *slog.Logger
}

func (r *eventReceiver) Recv() (Update, error) {
	msg, err := r.stream.Recv()
	if err != nil {
		return Update{}, err
	}
	switch msg.GetType() {
	case EventProviderReady:
		return Update{Ready: true}, nil
	case EventConfigurationChange:
		keys, err := ChangedKeys(msg.GetData())
		if err != nil {
			return Update{}, err
		}
		return Update{Changed: keys}, nil
	case EventProviderPing:
		return Update{}, nil
	default:
		r.logger.Debug("Ignoring unknown event type", "type", msg.GetType())
		return Update{}, nil
	}
}

// ChangedKeys extracts the sorted flag keys of a configuration_change payload,
// which carries them as the keys of its "flags" object.
func ChangedKeys(data *structpb.Struct) ([]string, error) {
	flags := data.GetFields()["flags"].GetStructValue()
	if flags == nil {
		return nil, fmt.Errorf("%w: configuration_change without a flags object", ErrMalformed)
	}
	keys := make([]string, 0, len(flags.GetFields()))
	for k := range flags.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
