package flagd

import (
	"context"

	"github.com/open-feature/go-sdk/openfeature"
)

type flagType int

const (
	boolType flagType = iota
	stringType
	floatType
	intType
	objectType
)

func (t flagType) String() string {
	switch t {
	case boolType:
		return "boolean"
	case stringType:
		return "string"
	case floatType:
		return "float"
	case intType:
		return "integer"
	default:
		return "object"
	}
}

// resolution is a successfully resolved flag.
type resolution struct {
	Value    any
	Variant  string
	Reason   openfeature.Reason
	Metadata map[string]any
}

// resolver is implemented by the rpc and in-process modes. Resolve returns
// a *ResolutionError on failure.
type resolver interface {
	Init(ctx context.Context) error
	Shutdown()
	Resolve(ctx context.Context, key string, t flagType, evalCtx openfeature.FlattenedContext) (resolution, error)
}
