package flagd

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/open-feature/go-sdk/openfeature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/open-feature/flagd-provider-go/internal/testutil"
)

func TestProvider_Metadata(t *testing.T) {
	p := newTestProvider(t, nil)
	assert.Equal(t, "flagd", p.Metadata().Name)
	assert.Empty(t, p.Hooks())
}

func TestNewProvider_InvalidConfiguration(t *testing.T) {
	_, err := NewProvider(append(testOptionList(nil), WithDeadline(0))...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flagd configuration")

	_, err = NewProvider(append(testOptionList(nil), WithRPCResolver(), func(o *options) {
		o.OfflineFlagSourcePath = "flags.json"
	})...)
	require.Error(t, err)
}

func TestProvider_TypedEvaluations(t *testing.T) {
	srv := testutil.StartServer(t)
	srv.Evaluation.SetFlag("bool", testutil.Flag{Value: true, Reason: "STATIC", Variant: "on"})
	srv.Evaluation.SetFlag("string", testutil.Flag{Value: "hi", Reason: "TARGETING_MATCH", Variant: "greet"})
	srv.Evaluation.SetFlag("float", testutil.Flag{Value: 1.5, Reason: "STATIC", Variant: "one-and-half"})
	srv.Evaluation.SetFlag("int", testutil.Flag{Value: int64(7), Reason: "STATIC", Variant: "seven"})
	srv.Evaluation.SetFlag("object", testutil.Flag{
		Value:    map[string]any{"k": "v"},
		Reason:   "STATIC",
		Variant:  "obj",
		Metadata: map[string]any{"owner": "payments", "version": 3.0},
	})
	p := newTestProvider(t, srv)
	require.NoError(t, p.Init(openfeature.EvaluationContext{}))

	b := p.BooleanEvaluation(bg(), "bool", false, nil)
	assert.True(t, b.Value)
	assert.Equal(t, "on", b.Variant)
	assert.Equal(t, openfeature.StaticReason, b.Reason)

	s := p.StringEvaluation(bg(), "string", "default", openfeature.FlattenedContext{"email": "a@b.c"})
	assert.Equal(t, "hi", s.Value)
	assert.Equal(t, openfeature.TargetingMatchReason, s.Reason)

	f := p.FloatEvaluation(bg(), "float", 0, nil)
	assert.Equal(t, 1.5, f.Value)

	i := p.IntEvaluation(bg(), "int", 0, nil)
	assert.Equal(t, int64(7), i.Value)

	o := p.ObjectEvaluation(bg(), "object", nil, nil)
	assert.Equal(t, map[string]any{"k": "v"}, o.Value)
	assert.Equal(t, openfeature.FlagMetadata{"owner": "payments", "version": 3.0}, o.FlagMetadata)

	cached := p.BooleanEvaluation(bg(), "bool", false, nil)
	assert.True(t, cached.Value)
	assert.Equal(t, openfeature.CachedReason, cached.Reason)
}

func TestProvider_ErrorsReturnDefault(t *testing.T) {
	srv := testutil.StartServer(t)
	srv.Evaluation.SetFlag("text", testutil.Flag{Value: "x", Reason: "STATIC", Variant: "x"})
	p := newTestProvider(t, srv)
	require.NoError(t, p.Init(openfeature.EvaluationContext{}))

	missing := p.BooleanEvaluation(bg(), "missing", true, nil)
	assert.True(t, missing.Value)
	assert.Equal(t, openfeature.ErrorReason, missing.Reason)
	assert.Equal(t, openfeature.FlagNotFoundCode, missing.ResolutionDetail().ErrorCode)

	mismatch := p.IntEvaluation(bg(), "text", 9, nil)
	assert.Equal(t, int64(9), mismatch.Value)
	assert.Equal(t, openfeature.TypeMismatchCode, mismatch.ResolutionDetail().ErrorCode)

	badCtx := p.StringEvaluation(bg(), "text", "fallback", openfeature.FlattenedContext{"ch": make(chan struct{})})
	assert.Equal(t, "fallback", badCtx.Value)
	assert.Equal(t, openfeature.InvalidContextCode, badCtx.ResolutionDetail().ErrorCode)
}

func TestProvider_NumericWidening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	writeFile(t, path, `{"flags": {
		"whole":    {"variants": {"v": 3},   "defaultVariant": "v"},
		"fraction": {"variants": {"v": 2.5}, "defaultVariant": "v"}
	}}`)
	p := newTestProvider(t, nil, WithOfflineFilePath(path))
	require.NoError(t, p.Init(openfeature.EvaluationContext{}))

	assert.Equal(t, 3.0, p.FloatEvaluation(bg(), "whole", 0, nil).Value)
	assert.Equal(t, int64(3), p.IntEvaluation(bg(), "whole", 0, nil).Value)

	frac := p.IntEvaluation(bg(), "fraction", 1, nil)
	assert.Equal(t, int64(1), frac.Value)
	assert.Equal(t, openfeature.TypeMismatchCode, frac.ResolutionDetail().ErrorCode)

	wrong := p.BooleanEvaluation(bg(), "whole", false, nil)
	assert.False(t, wrong.Value)
	assert.Equal(t, openfeature.ErrorReason, wrong.Reason)
	assert.Equal(t, openfeature.TypeMismatchCode, wrong.ResolutionDetail().ErrorCode)
}

func TestProvider_DisabledFlagKeepsReason(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.json")
	writeFile(t, path, `{"flags": {"off": {"state": "DISABLED", "variants": {"v": true}, "defaultVariant": "v"}}}`)
	p := newTestProvider(t, nil, WithOfflineFilePath(path))
	require.NoError(t, p.Init(openfeature.EvaluationContext{}))

	d := p.BooleanEvaluation(bg(), "off", false, nil)
	assert.False(t, d.Value)
	assert.Equal(t, openfeature.DisabledReason, d.Reason)
	assert.Equal(t, openfeature.FlagNotFoundCode, d.ResolutionDetail().ErrorCode)
}

func TestProvider_InitTimeoutIsNotReady(t *testing.T) {
	srv := testutil.StartServer(t)
	srv.Evaluation.Silent(true)
	p := newTestProvider(t, srv, WithDeadline(50*time.Millisecond))

	err := p.Init(openfeature.EvaluationContext{})
	var initErr *openfeature.ProviderInitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, openfeature.ProviderNotReadyCode, initErr.ErrorCode)

	res := p.BooleanEvaluation(bg(), "anything", true, nil)
	assert.True(t, res.Value)
}

func TestProvider_InitAfterShutdownIsFatal(t *testing.T) {
	p := newTestProvider(t, nil)
	p.Shutdown()

	err := p.Init(openfeature.EvaluationContext{})
	var initErr *openfeature.ProviderInitError
	require.True(t, errors.As(err, &initErr))
	assert.Equal(t, openfeature.ProviderFatalCode, initErr.ErrorCode)

	res := p.StringEvaluation(bg(), "x", "d", nil)
	assert.Equal(t, "d", res.Value)
	assert.Equal(t, openfeature.ProviderNotReadyCode, res.ResolutionDetail().ErrorCode)
}

func TestProvider_ConfigurationChangeEvent(t *testing.T) {
	srv := testutil.StartServer(t)
	p := newTestProvider(t, srv)
	require.NoError(t, p.Init(openfeature.EvaluationContext{}))

	srv.Evaluation.PublishChange("beta", "alpha")
	e := nextEvent(t, p, openfeature.ProviderConfigChange)
	assert.Equal(t, "flagd", e.ProviderName)
	assert.Equal(t, []string{"alpha", "beta"}, e.FlagChanges)
}

func TestProvider_StaleThenReady(t *testing.T) {
	srv := testutil.StartServer(t)
	p := newTestProvider(t, srv)
	require.NoError(t, p.Init(openfeature.EvaluationContext{}))

	srv.Evaluation.Terminate(status.Error(codes.Unavailable, "restart"))
	stale := nextEvent(t, p, openfeature.ProviderStale)
	assert.Equal(t, "GENERAL", stale.EventMetadata["errorCode"])
	assert.Equal(t, 1, stale.EventMetadata["attempt"])

	nextEvent(t, p, openfeature.ProviderReady)
}

func TestProvider_ErrorAfterRetriesExhausted(t *testing.T) {
	srv := testutil.StartServer(t)
	p := newTestProvider(t, srv, WithMaxEventStreamRetries(1))
	require.NoError(t, p.Init(openfeature.EvaluationContext{}))

	srv.Stop()
	nextEvent(t, p, openfeature.ProviderStale)
	e := nextEvent(t, p, openfeature.ProviderError)
	assert.Equal(t, 2, e.EventMetadata["attempt"])

	srv.Restart()
	nextEvent(t, p, openfeature.ProviderReady)
}

func TestProvider_InProcessChangeEvent(t *testing.T) {
	srv := testutil.StartServer(t)
	srv.Sync.SetConfiguration(syncDocument)
	p := newTestProvider(t, srv, WithInProcessResolver())
	require.NoError(t, p.Init(openfeature.EvaluationContext{}))

	first := nextEvent(t, p, openfeature.ProviderConfigChange)
	assert.Equal(t, []string{"a", "b", "c", "d"}, first.FlagChanges)

	srv.Sync.SetConfiguration(syncDocumentChanged)
	e := nextEvent(t, p, openfeature.ProviderConfigChange)
	assert.Equal(t, []string{"b"}, e.FlagChanges)
	assert.Equal(t, int64(2), p.IntEvaluation(bg(), "b", 0, nil).Value)
}

func TestProvider_WithOpenFeatureClient(t *testing.T) {
	srv := testutil.StartServer(t)
	srv.Evaluation.SetFlag("banner", testutil.Flag{Value: "summer", Reason: "STATIC", Variant: "summer"})
	p := newTestProvider(t, srv)

	require.NoError(t, openfeature.SetNamedProviderAndWait(t.Name(), p))
	client := openfeature.NewClient(t.Name())

	v, err := client.StringValue(bg(), "banner", "none", openfeature.NewEvaluationContext("user-1", nil))
	require.NoError(t, err)
	assert.Equal(t, "summer", v)
	assert.Equal(t, "user-1", srv.Evaluation.LastContext("banner").AsMap()["targetingKey"])
}
