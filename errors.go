package flagd

import (
	"errors"
	"fmt"

	"github.com/open-feature/go-sdk/openfeature"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/open-feature/flagd-provider-go/internal/store"
)

// ErrShutdown is returned by resolutions attempted after Shutdown.
var ErrShutdown = errors.New("flagd provider is shut down")

// ErrorCode is the closed set of resolution failures.
type ErrorCode string

const (
	FlagNotFoundCode     ErrorCode = "FLAG_NOT_FOUND"
	TypeMismatchCode     ErrorCode = "TYPE_MISMATCH"
	ParseErrorCode       ErrorCode = "PARSE_ERROR"
	InvalidContextCode   ErrorCode = "INVALID_CONTEXT"
	GeneralCode          ErrorCode = "GENERAL"
	ProviderNotReadyCode ErrorCode = "PROVIDER_NOT_READY"
)

// ResolutionError is returned by a resolver when a flag cannot be resolved.
// It is never retried and does not affect stream health.
type ResolutionError struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ResolutionError) Unwrap() error {
	return e.cause
}

// OpenFeature converts the error to the SDK's representation.
func (e *ResolutionError) OpenFeature() openfeature.ResolutionError {
	switch e.Code {
	case FlagNotFoundCode:
		return openfeature.NewFlagNotFoundResolutionError(e.Message)
	case TypeMismatchCode:
		return openfeature.NewTypeMismatchResolutionError(e.Message)
	case ParseErrorCode:
		return openfeature.NewParseErrorResolutionError(e.Message)
	case InvalidContextCode:
		return openfeature.NewInvalidContextResolutionError(e.Message)
	case ProviderNotReadyCode:
		return openfeature.NewProviderNotReadyResolutionError(e.Message)
	default:
		return openfeature.NewGeneralResolutionError(e.Message)
	}
}

func newResolutionError(code ErrorCode, cause error, format string, args ...any) *ResolutionError {
	return &ResolutionError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// fromStatus maps a failed evaluation call to a ResolutionError.
func fromStatus(err error) *ResolutionError {
	code := status.Code(err)
	msg := fmt.Sprintf("received grpc status code %s", code)
	if s, ok := status.FromError(err); ok && s.Message() != "" {
		msg = fmt.Sprintf("%s: %s", msg, s.Message())
	}
	switch code {
	case codes.NotFound:
		return newResolutionError(FlagNotFoundCode, err, "%s", msg)
	case codes.InvalidArgument:
		return newResolutionError(TypeMismatchCode, err, "%s", msg)
	case codes.DataLoss:
		return newResolutionError(ParseErrorCode, err, "%s", msg)
	default:
		return newResolutionError(GeneralCode, err, "%s", msg)
	}
}

// fromStore maps a local evaluation failure to a ResolutionError.
func fromStore(err error) *ResolutionError {
	switch {
	case errors.Is(err, store.ErrFlagNotFound):
		return newResolutionError(FlagNotFoundCode, err, "%s", err)
	case errors.Is(err, store.ErrParse):
		return newResolutionError(ParseErrorCode, err, "%s", err)
	default:
		return newResolutionError(GeneralCode, err, "%s", err)
	}
}

// asResolutionError normalizes any resolver error.
func asResolutionError(err error) *ResolutionError {
	var re *ResolutionError
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, ErrShutdown) {
		return newResolutionError(ProviderNotReadyCode, err, "%s", err)
	}
	return newResolutionError(GeneralCode, err, "%s", err)
}
