package flagd

import (
	"context"

	"google.golang.org/grpc"

	"github.com/open-feature/flagd-provider-go/internal/connection"
)

// ConnFactory is an advanced/testing hook allowing callers to customize how
// gRPC connections are created. The provider passes the computed target and
// its default DialOptions (credentials, keep-alive and interceptors).
// Returning a connection with incompatible security can break functionality;
// use with care.
type ConnFactory = connection.Factory

// TransportHooks allows advanced customization of gRPC dialing, e.g. adding
// interceptors or rerouting the target, without replacing the factory.
type TransportHooks interface {
	ModifyGRPCDial(target string, base []grpc.DialOption) (string, []grpc.DialOption)
}

type defaultTransportHooks struct{}

func (defaultTransportHooks) ModifyGRPCDial(target string, base []grpc.DialOption) (string, []grpc.DialOption) {
	return target, base
}

// DefaultTransportHooks is the library's default implementation used when no hooks are provided.
var DefaultTransportHooks TransportHooks = defaultTransportHooks{}

// hookedFactory applies hooks before delegating to factory.
func hookedFactory(factory ConnFactory, hooks TransportHooks) ConnFactory {
	if factory == nil {
		factory = connection.DefaultFactory
	}
	if hooks == nil {
		return factory
	}
	return func(ctx context.Context, target string, opts []grpc.DialOption) (grpc.ClientConnInterface, error) {
		target, opts = hooks.ModifyGRPCDial(target, opts)
		return factory(ctx, target, opts)
	}
}
