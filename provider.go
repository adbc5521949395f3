package flagd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/open-feature/go-sdk/openfeature"

	"github.com/open-feature/flagd-provider-go/internal/readiness"
)

const providerName = "flagd"

// Provider implements the OpenFeature FeatureProvider interface on top of a
// flagd rpc or in-process resolver.
type Provider struct {
	opts     options
	resolver resolver
	events   *eventPublisher
	logger   *slog.Logger
}

// Compile-time interface conformance checks
var (
	_ openfeature.FeatureProvider = (*Provider)(nil)
	_ openfeature.StateHandler    = (*Provider)(nil)
	_ openfeature.EventHandler    = (*Provider)(nil)
)

// Metadata returns the provider metadata
func (p *Provider) Metadata() openfeature.Metadata {
	return openfeature.Metadata{Name: providerName}
}

// Hooks returns provider hooks (none for this implementation)
func (p *Provider) Hooks() []openfeature.Hook {
	return []openfeature.Hook{}
}

// EventChannel carries ready, stale, error and configuration-change events.
func (p *Provider) EventChannel() <-chan openfeature.Event {
	return p.events.ch
}

// Init connects to flagd and blocks until the first sync or the configured
// deadline. Background reconnection continues when Init fails.
func (p *Provider) Init(openfeature.EvaluationContext) error {
	err := p.resolver.Init(context.Background())
	switch {
	case err == nil:
		p.logger.Info("Provider initialized successfully", "resolver", p.opts.Resolver, "target", p.describeSource())
		return nil
	case errors.Is(err, readiness.ErrNotReady):
		p.logger.Warn("Provider not ready within deadline", "deadline", p.opts.Deadline(), "error", err)
		return &openfeature.ProviderInitError{
			ErrorCode: openfeature.ProviderNotReadyCode,
			Message:   err.Error(),
		}
	default:
		p.logger.Error("Failed to initialize provider", "error", err)
		return &openfeature.ProviderInitError{
			ErrorCode: openfeature.ProviderFatalCode,
			Message:   fmt.Sprintf("failed to initialize flagd provider: %v", err),
		}
	}
}

// Shutdown stops background work. It may be called more than once, and
// before Init.
func (p *Provider) Shutdown() {
	p.logger.Info("Shutting down provider")
	p.resolver.Shutdown()
	p.logger.Info("Provider has been shut down")
}

func (p *Provider) describeSource() string {
	if p.opts.Offline() {
		return p.opts.OfflineFlagSourcePath
	}
	return p.opts.Target()
}

// BooleanEvaluation evaluates a boolean flag
func (p *Provider) BooleanEvaluation(
	ctx context.Context,
	flag string,
	defaultValue bool,
	evalCtx openfeature.FlattenedContext,
) openfeature.BoolResolutionDetail {
	result := p.evaluate(ctx, flag, boolType, defaultValue, evalCtx)

	detail := openfeature.BoolResolutionDetail{
		Value:                    defaultValue,
		ProviderResolutionDetail: result.ProviderResolutionDetail,
	}
	if result.Value != nil && !isError(result.ProviderResolutionDetail) {
		if v, ok := result.Value.(bool); ok {
			detail.Value = v
		} else {
			detail.ProviderResolutionDetail = typeMismatch("value is not a boolean")
		}
	}

	p.logResolutionErrorIfPresent(flag, detail.ProviderResolutionDetail)
	return detail
}

// StringEvaluation evaluates a string flag
func (p *Provider) StringEvaluation(
	ctx context.Context,
	flag string,
	defaultValue string,
	evalCtx openfeature.FlattenedContext,
) openfeature.StringResolutionDetail {
	result := p.evaluate(ctx, flag, stringType, defaultValue, evalCtx)

	detail := openfeature.StringResolutionDetail{
		Value:                    defaultValue,
		ProviderResolutionDetail: result.ProviderResolutionDetail,
	}
	if result.Value != nil && !isError(result.ProviderResolutionDetail) {
		if v, ok := result.Value.(string); ok {
			detail.Value = v
		} else {
			detail.ProviderResolutionDetail = typeMismatch("value is not a string")
		}
	}

	p.logResolutionErrorIfPresent(flag, detail.ProviderResolutionDetail)
	return detail
}

// FloatEvaluation evaluates a float flag. Integer values are widened.
func (p *Provider) FloatEvaluation(
	ctx context.Context,
	flag string,
	defaultValue float64,
	evalCtx openfeature.FlattenedContext,
) openfeature.FloatResolutionDetail {
	result := p.evaluate(ctx, flag, floatType, defaultValue, evalCtx)

	detail := openfeature.FloatResolutionDetail{
		Value:                    defaultValue,
		ProviderResolutionDetail: result.ProviderResolutionDetail,
	}
	if result.Value != nil && !isError(result.ProviderResolutionDetail) {
		switch v := result.Value.(type) {
		case float64:
			detail.Value = v
		case int64:
			detail.Value = float64(v)
		default:
			detail.ProviderResolutionDetail = typeMismatch("value is not a float")
		}
	}

	p.logResolutionErrorIfPresent(flag, detail.ProviderResolutionDetail)
	return detail
}

// IntEvaluation evaluates an int flag
func (p *Provider) IntEvaluation(
	ctx context.Context,
	flag string,
	defaultValue int64,
	evalCtx openfeature.FlattenedContext,
) openfeature.IntResolutionDetail {
	result := p.evaluate(ctx, flag, intType, defaultValue, evalCtx)

	detail := openfeature.IntResolutionDetail{
		Value:                    defaultValue,
		ProviderResolutionDetail: result.ProviderResolutionDetail,
	}
	if result.Value != nil && !isError(result.ProviderResolutionDetail) {
		switch v := result.Value.(type) {
		case int64:
			detail.Value = v
		case float64:
			// Only whole numbers decoded as floats are integers.
			if v == math.Trunc(v) && !math.IsInf(v, 0) {
				detail.Value = int64(v)
			} else {
				detail.ProviderResolutionDetail = typeMismatch("value is not an integer")
			}
		default:
			detail.ProviderResolutionDetail = typeMismatch("value is not an integer")
		}
	}

	p.logResolutionErrorIfPresent(flag, detail.ProviderResolutionDetail)
	return detail
}

// ObjectEvaluation evaluates an object flag
func (p *Provider) ObjectEvaluation(
	ctx context.Context,
	flag string,
	defaultValue any,
	evalCtx openfeature.FlattenedContext,
) openfeature.InterfaceResolutionDetail {
	detail := p.evaluate(ctx, flag, objectType, defaultValue, evalCtx)
	p.logResolutionErrorIfPresent(flag, detail.ProviderResolutionDetail)
	return detail
}

// evaluate is the shared core of the typed evaluations. On failure the value
// is the default and the detail carries the error.
func (p *Provider) evaluate(
	ctx context.Context,
	flag string,
	t flagType,
	defaultValue any,
	evalCtx openfeature.FlattenedContext,
) openfeature.InterfaceResolutionDetail {
	res, err := p.resolver.Resolve(ctx, flag, t, evalCtx)
	if err != nil {
		reason := openfeature.ErrorReason
		if res.Reason != "" {
			reason = res.Reason
		}
		return openfeature.InterfaceResolutionDetail{
			Value: defaultValue,
			ProviderResolutionDetail: openfeature.ProviderResolutionDetail{
				Reason:          reason,
				ResolutionError: asResolutionError(err).OpenFeature(),
				FlagMetadata:    openfeature.FlagMetadata(res.Metadata),
			},
		}
	}

	value := res.Value
	if value == nil {
		value = defaultValue
	}
	return openfeature.InterfaceResolutionDetail{
		Value: value,
		ProviderResolutionDetail: openfeature.ProviderResolutionDetail{
			Reason:       res.Reason,
			Variant:      res.Variant,
			FlagMetadata: openfeature.FlagMetadata(res.Metadata),
		},
	}
}

func typeMismatch(msg string) openfeature.ProviderResolutionDetail {
	return openfeature.ProviderResolutionDetail{
		Reason:          openfeature.ErrorReason,
		ResolutionError: openfeature.NewTypeMismatchResolutionError(msg),
	}
}

func isError(detail openfeature.ProviderResolutionDetail) bool {
	errStr := detail.ResolutionError.Error()
	// Empty ResolutionError returns ": "
	return errStr != "" && errStr != ": "
}

// logResolutionErrorIfPresent logs a warning if the resolution detail contains an error
func (p *Provider) logResolutionErrorIfPresent(flag string, detail openfeature.ProviderResolutionDetail) {
	if isError(detail) {
		p.logger.Warn("Flag evaluation error", "flag", flag, "error_code", detail.ResolutionError.Error())
	}
}
