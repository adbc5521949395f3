package flagd

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// selectorHeader carries the sync selector for flagd versions that read it
// from metadata instead of the request body.
const selectorHeader = "flagd-selector"

// SelectorInterceptor attaches the configured selector to outgoing calls.
type SelectorInterceptor struct {
	selector string
}

func NewSelectorInterceptor(selector string) *SelectorInterceptor {
	return &SelectorInterceptor{selector: selector}
}

func (i *SelectorInterceptor) withSelector(ctx context.Context) context.Context {
	if i.selector == "" {
		return ctx
	}
	md := metadata.New(map[string]string{selectorHeader: i.selector})
	if existing, ok := metadata.FromOutgoingContext(ctx); ok {
		md = metadata.Join(existing, md)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that adds the selector header
func (i *SelectorInterceptor) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		return invoker(i.withSelector(ctx), method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor that adds the selector header
func (i *SelectorInterceptor) StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		return streamer(i.withSelector(ctx), desc, cc, method, opts...)
	}
}
