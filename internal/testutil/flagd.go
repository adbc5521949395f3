// Package testutil runs in-memory flagd evaluation and sync services over
// bufconn for tests.
package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	evaluationv1grpc "buf.build/gen/go/open-feature/flagd/grpc/go/flagd/evaluation/v1/evaluationv1grpc"
	syncv1grpc "buf.build/gen/go/open-feature/flagd/grpc/go/flagd/sync/v1/syncv1grpc"
	evaluationv1 "buf.build/gen/go/open-feature/flagd/protocolbuffers/go/flagd/evaluation/v1"
	syncv1 "buf.build/gen/go/open-feature/flagd/protocolbuffers/go/flagd/sync/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/open-feature/flagd-provider-go/internal/connection"
)

const bufSize = 1 << 20

// Flag is a canned evaluation answer.
type Flag struct {
	Value    any
	Reason   string
	Variant  string
	Metadata map[string]any
}

func (f Flag) metadata() *structpb.Struct {
	if len(f.Metadata) == 0 {
		return nil
	}
	md, err := structpb.NewStruct(f.Metadata)
	if err != nil {
		panic(err)
	}
	return md
}

// hub fans messages out to every open stream.
type hub[T any] struct {
	mu   sync.Mutex
	subs map[*subscriber[T]]struct{}
}

type subscriber[T any] struct {
	msgs chan T
	end  chan error
}

func (h *hub[T]) subscribe() *subscriber[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[*subscriber[T]]struct{})
	}
	s := &subscriber[T]{msgs: make(chan T, 16), end: make(chan error, 1)}
	h.subs[s] = struct{}{}
	return s
}

func (h *hub[T]) unsubscribe(s *subscriber[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}

func (h *hub[T]) publish(msg T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.msgs <- msg:
		default:
		}
	}
	return len(h.subs)
}

func (h *hub[T]) terminate(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.end <- err:
		default:
		}
	}
}

func (h *hub[T]) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// pump forwards published messages to send until the stream ends.
func pump[T any](ctx context.Context, h *hub[T], sub *subscriber[T], send func(T) error) error {
	defer h.unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.end:
			return err
		case msg := <-sub.msgs:
			if err := send(msg); err != nil {
				return err
			}
		}
	}
}

// EvaluationService is a fake flagd evaluation service.
type EvaluationService struct {
	evaluationv1grpc.UnimplementedServiceServer

	mu     sync.Mutex
	flags  map[string]Flag
	errs   map[string]codes.Code
	calls  map[string]int
	ctxs   map[string]*structpb.Struct
	hub    hub[*evaluationv1.EventStreamResponse]
	silent atomic.Bool
	opened atomic.Int64
}

func newEvaluationService() *EvaluationService {
	return &EvaluationService{
		flags: make(map[string]Flag),
		errs:  make(map[string]codes.Code),
		calls: make(map[string]int),
		ctxs:  make(map[string]*structpb.Struct),
	}
}

// SetFlag installs a canned answer for key.
func (s *EvaluationService) SetFlag(key string, f Flag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = f
	delete(s.errs, key)
}

// SetError makes every resolve of key fail with code.
func (s *EvaluationService) SetError(key string, code codes.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[key] = code
}

// Calls returns how many unary resolves were served for key.
func (s *EvaluationService) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Silent makes new event streams stay open without ever sending provider_ready.
func (s *EvaluationService) Silent(v bool) { s.silent.Store(v) }

// StreamsOpened counts EventStream calls.
func (s *EvaluationService) StreamsOpened() int64 { return s.opened.Load() }

// ActiveStreams counts currently open event streams.
func (s *EvaluationService) ActiveStreams() int { return s.hub.count() }

// PublishChange sends a configuration_change event naming keys.
func (s *EvaluationService) PublishChange(keys ...string) int {
	flags := make(map[string]any, len(keys))
	for _, k := range keys {
		flags[k] = map[string]any{"source": "test"}
	}
	data, err := structpb.NewStruct(map[string]any{"flags": flags})
	if err != nil {
		panic(err)
	}
	return s.hub.publish(&evaluationv1.EventStreamResponse{Type: "configuration_change", Data: data})
}

// Publish sends a raw event.
func (s *EvaluationService) Publish(msg *evaluationv1.EventStreamResponse) int {
	return s.hub.publish(msg)
}

// Terminate ends every open event stream with err.
func (s *EvaluationService) Terminate(err error) { s.hub.terminate(err) }

// LastContext returns the evaluation context of the latest resolve of key.
func (s *EvaluationService) LastContext(key string) *structpb.Struct {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctxs[key]
}

func (s *EvaluationService) lookup(key string, evalCtx *structpb.Struct) (Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	s.ctxs[key] = evalCtx
	if code, ok := s.errs[key]; ok {
		return Flag{}, status.Errorf(code, "flag %s failed", key)
	}
	f, ok := s.flags[key]
	if !ok {
		return Flag{}, status.Errorf(codes.NotFound, "flag %s not found", key)
	}
	return f, nil
}

func (s *EvaluationService) ResolveBoolean(_ context.Context, req *evaluationv1.ResolveBooleanRequest) (*evaluationv1.ResolveBooleanResponse, error) {
	f, err := s.lookup(req.GetFlagKey(), req.GetContext())
	if err != nil {
		return nil, err
	}
	v, ok := f.Value.(bool)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "flag %s is not a boolean", req.GetFlagKey())
	}
	return &evaluationv1.ResolveBooleanResponse{Value: v, Reason: f.Reason, Variant: f.Variant, Metadata: f.metadata()}, nil
}

func (s *EvaluationService) ResolveString(_ context.Context, req *evaluationv1.ResolveStringRequest) (*evaluationv1.ResolveStringResponse, error) {
	f, err := s.lookup(req.GetFlagKey(), req.GetContext())
	if err != nil {
		return nil, err
	}
	v, ok := f.Value.(string)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "flag %s is not a string", req.GetFlagKey())
	}
	return &evaluationv1.ResolveStringResponse{Value: v, Reason: f.Reason, Variant: f.Variant, Metadata: f.metadata()}, nil
}

func (s *EvaluationService) ResolveFloat(_ context.Context, req *evaluationv1.ResolveFloatRequest) (*evaluationv1.ResolveFloatResponse, error) {
	f, err := s.lookup(req.GetFlagKey(), req.GetContext())
	if err != nil {
		return nil, err
	}
	v, ok := f.Value.(float64)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "flag %s is not a float", req.GetFlagKey())
	}
	return &evaluationv1.ResolveFloatResponse{Value: v, Reason: f.Reason, Variant: f.Variant, Metadata: f.metadata()}, nil
}

func (s *EvaluationService) ResolveInt(_ context.Context, req *evaluationv1.ResolveIntRequest) (*evaluationv1.ResolveIntResponse, error) {
	f, err := s.lookup(req.GetFlagKey(), req.GetContext())
	if err != nil {
		return nil, err
	}
	v, ok := f.Value.(int64)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "flag %s is not an integer", req.GetFlagKey())
	}
	return &evaluationv1.ResolveIntResponse{Value: v, Reason: f.Reason, Variant: f.Variant, Metadata: f.metadata()}, nil
}

func (s *EvaluationService) ResolveObject(_ context.Context, req *evaluationv1.ResolveObjectRequest) (*evaluationv1.ResolveObjectResponse, error) {
	f, err := s.lookup(req.GetFlagKey(), req.GetContext())
	if err != nil {
		return nil, err
	}
	m, ok := f.Value.(map[string]any)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "flag %s is not an object", req.GetFlagKey())
	}
	v, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.DataLoss, err.Error())
	}
	return &evaluationv1.ResolveObjectResponse{Value: v, Reason: f.Reason, Variant: f.Variant, Metadata: f.metadata()}, nil
}

func (s *EvaluationService) EventStream(_ *evaluationv1.EventStreamRequest, stream evaluationv1grpc.Service_EventStreamServer) error {
	s.opened.Add(1)
	sub := s.hub.subscribe()
	if !s.silent.Load() {
		if err := stream.Send(&evaluationv1.EventStreamResponse{Type: "provider_ready"}); err != nil {
			s.hub.unsubscribe(sub)
			return err
		}
	}
	return pump(stream.Context(), &s.hub, sub, stream.Send)
}

// SyncRequest records one SyncFlags call.
type SyncRequest struct {
	ProviderID string
	Selector   string
	Metadata   metadata.MD
}

// SyncService is a fake flagd sync service.
type SyncService struct {
	syncv1grpc.UnimplementedFlagSyncServiceServer

	mu       sync.Mutex
	current  string
	requests []SyncRequest
	hub      hub[string]
}

// SetConfiguration sets the document sent to new streams and pushes it to
// open ones.
func (s *SyncService) SetConfiguration(doc string) int {
	s.mu.Lock()
	s.current = doc
	s.mu.Unlock()
	return s.hub.publish(doc)
}

// Push sends doc to open streams without changing what new streams receive.
func (s *SyncService) Push(doc string) int { return s.hub.publish(doc) }

// Requests returns the recorded SyncFlags calls.
func (s *SyncService) Requests() []SyncRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SyncRequest(nil), s.requests...)
}

// ActiveStreams counts currently open sync streams.
func (s *SyncService) ActiveStreams() int { return s.hub.count() }

// Terminate ends every open sync stream with err.
func (s *SyncService) Terminate(err error) { s.hub.terminate(err) }

func (s *SyncService) SyncFlags(req *syncv1.SyncFlagsRequest, stream syncv1grpc.FlagSyncService_SyncFlagsServer) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	s.mu.Lock()
	s.requests = append(s.requests, SyncRequest{
		ProviderID: req.GetProviderId(),
		Selector:   req.GetSelector(),
		Metadata:   md,
	})
	current := s.current
	s.mu.Unlock()

	sub := s.hub.subscribe()
	send := func(doc string) error {
		return stream.Send(&syncv1.SyncFlagsResponse{FlagConfiguration: doc})
	}
	if current != "" {
		if err := send(current); err != nil {
			s.hub.unsubscribe(sub)
			return err
		}
	}
	return pump(stream.Context(), &s.hub, sub, send)
}

// Server hosts both fake services on an in-memory listener.
type Server struct {
	Evaluation *EvaluationService
	Sync       *SyncService

	mu  sync.Mutex
	lis *bufconn.Listener
	srv *grpc.Server
}

// StartServer starts the fake flagd and stops it when the test ends.
func StartServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		Evaluation: newEvaluationService(),
		Sync:       &SyncService{},
	}
	s.serve()
	t.Cleanup(s.Stop)
	return s
}

func (s *Server) serve() {
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	evaluationv1grpc.RegisterServiceServer(srv, s.Evaluation)
	syncv1grpc.RegisterFlagSyncServiceServer(srv, s.Sync)

	s.mu.Lock()
	s.lis, s.srv = lis, srv
	s.mu.Unlock()

	go func() {
		_ = srv.Serve(lis)
	}()
}

// Stop shuts the server down, dropping every open stream.
func (s *Server) Stop() {
	s.mu.Lock()
	srv, lis := s.srv, s.lis
	s.mu.Unlock()
	if srv != nil {
		srv.Stop()
	}
	if lis != nil {
		_ = lis.Close()
	}
}

// Restart stops the server and serves the same services on a fresh listener.
func (s *Server) Restart() {
	s.Stop()
	s.serve()
}

// Factory dials the in-memory listener regardless of the requested target.
func (s *Server) Factory() connection.Factory {
	return func(_ context.Context, _ string, opts []grpc.DialOption) (grpc.ClientConnInterface, error) {
		dialer := func(ctx context.Context, _ string) (net.Conn, error) {
			s.mu.Lock()
			lis := s.lis
			s.mu.Unlock()
			if lis == nil {
				return nil, fmt.Errorf("listener not started")
			}
			return lis.DialContext(ctx)
		}
		return grpc.NewClient("passthrough:///bufnet", append(opts, grpc.WithContextDialer(dialer))...)
	}
}
