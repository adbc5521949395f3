package flagd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/open-feature/flagd-provider-go/internal/cache"
	"github.com/open-feature/flagd-provider-go/internal/store"
)

// ResolverType selects where flags are evaluated.
type ResolverType string

const (
	// ResolverRPC evaluates every flag with a call to flagd.
	ResolverRPC ResolverType = "rpc"
	// ResolverInProcess syncs flag definitions and evaluates them locally.
	ResolverInProcess ResolverType = "in-process"
)

func (r *ResolverType) UnmarshalText(text []byte) error {
	switch v := strings.ToLower(strings.TrimSpace(string(text))); v {
	case "", string(ResolverRPC):
		*r = ResolverRPC
	case string(ResolverInProcess), "in_process", "inprocess":
		*r = ResolverInProcess
	default:
		return fmt.Errorf("unknown resolver type %q", string(text))
	}
	return nil
}

const (
	defaultRPCPort       = 8013
	defaultInProcessPort = 8015
)

// Config holds every setting that can come from the environment.
type Config struct {
	Host       string       `env:"FLAGD_HOST" envDefault:"localhost"`
	Port       int          `env:"FLAGD_PORT"`
	SocketPath string       `env:"FLAGD_SOCKET_PATH"`
	TLS        bool         `env:"FLAGD_TLS" envDefault:"false"`
	CertPath   string       `env:"FLAGD_SERVER_CERT_PATH"`
	Resolver   ResolverType `env:"FLAGD_RESOLVER" envDefault:"rpc"`

	DeadlineMs       int    `env:"FLAGD_DEADLINE_MS" envDefault:"500"`
	StreamDeadlineMs int    `env:"FLAGD_STREAM_DEADLINE_MS" envDefault:"600000"`
	Selector         string `env:"FLAGD_SOURCE_SELECTOR"`

	RetryBackoffMs        int `env:"FLAGD_RETRY_BACKOFF_MS" envDefault:"1000"`
	RetryBackoffMaxMs     int `env:"FLAGD_RETRY_BACKOFF_MAX_MS" envDefault:"120000"`
	KeepAliveMs           int `env:"FLAGD_KEEP_ALIVE_TIME_MS" envDefault:"0"`
	MaxEventStreamRetries int `env:"FLAGD_MAX_EVENT_STREAM_RETRIES" envDefault:"5"`

	Cache        cache.Mode `env:"FLAGD_CACHE" envDefault:"lru"`
	MaxCacheSize int        `env:"FLAGD_MAX_CACHE_SIZE" envDefault:"1000"`

	OfflineFlagSourcePath      string  `env:"FLAGD_OFFLINE_FLAG_SOURCE_PATH"`
	OfflinePollIntervalSeconds float64 `env:"FLAGD_OFFLINE_POLL_INTERVAL_SECONDS" envDefault:"1.0"`
}

// LoadConfig reads the FLAGD_* environment variables.
func LoadConfig() (Config, error) {
	return parseConfig(env.Options{})
}

func parseConfig(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read flagd configuration from environment: %w", err)
	}
	return cfg, nil
}

// Target is the gRPC dial target.
func (c Config) Target() string {
	if c.SocketPath != "" {
		return "unix://" + c.SocketPath
	}
	return fmt.Sprintf("%s:%d", c.Host, c.effectivePort())
}

func (c Config) effectivePort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Resolver == ResolverInProcess {
		return defaultInProcessPort
	}
	return defaultRPCPort
}

func (c Config) Deadline() time.Duration { return ms(c.DeadlineMs) }

func (c Config) StreamDeadline() time.Duration { return ms(c.StreamDeadlineMs) }

func (c Config) RetryBackoff() time.Duration { return ms(c.RetryBackoffMs) }

func (c Config) RetryBackoffMax() time.Duration { return ms(c.RetryBackoffMaxMs) }

func (c Config) KeepAlive() time.Duration { return ms(c.KeepAliveMs) }

func (c Config) OfflinePollInterval() time.Duration {
	return time.Duration(c.OfflinePollIntervalSeconds * float64(time.Second))
}

// Offline reports whether flags come from a local file.
func (c Config) Offline() bool {
	return c.OfflineFlagSourcePath != ""
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Validate rejects settings the provider cannot run with.
func (c Config) Validate() error {
	switch c.Resolver {
	case ResolverRPC, ResolverInProcess:
	default:
		return fmt.Errorf("unknown resolver type %q", c.Resolver)
	}
	if c.Offline() && c.Resolver != ResolverInProcess {
		return fmt.Errorf("an offline flag source requires the %s resolver", ResolverInProcess)
	}
	if !c.Offline() && c.SocketPath == "" && c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DeadlineMs <= 0 {
		return fmt.Errorf("deadline must be positive, got %dms", c.DeadlineMs)
	}
	if c.StreamDeadlineMs < 0 {
		return fmt.Errorf("stream deadline must not be negative, got %dms", c.StreamDeadlineMs)
	}
	if c.RetryBackoffMs <= 0 {
		return fmt.Errorf("retry backoff must be positive, got %dms", c.RetryBackoffMs)
	}
	if c.RetryBackoffMaxMs < c.RetryBackoffMs {
		return fmt.Errorf("retry backoff max (%dms) is below retry backoff (%dms)", c.RetryBackoffMaxMs, c.RetryBackoffMs)
	}
	if c.KeepAliveMs < 0 {
		return fmt.Errorf("keep-alive must not be negative, got %dms", c.KeepAliveMs)
	}
	if c.MaxEventStreamRetries < 0 {
		return fmt.Errorf("max event stream retries must not be negative, got %d", c.MaxEventStreamRetries)
	}
	if c.Cache != cache.ModeLRU && c.Cache != cache.ModeDisabled {
		return fmt.Errorf("unknown cache mode %q", c.Cache)
	}
	if c.Cache == cache.ModeLRU && c.MaxCacheSize <= 0 {
		return fmt.Errorf("max cache size must be positive, got %d", c.MaxCacheSize)
	}
	if c.Offline() && c.OfflinePollIntervalSeconds <= 0 {
		return fmt.Errorf("offline poll interval must be positive, got %vs", c.OfflinePollIntervalSeconds)
	}
	return nil
}

// options is everything NewProvider accepts: the environment-backed Config
// plus values that cannot come from the environment.
type options struct {
	Config

	logger      *slog.Logger
	connFactory ConnFactory
	hooks       TransportHooks
	targeter    store.Targeter
	registerer  prometheus.Registerer
	eventBuffer int
}

// Option overrides a setting read from the environment.
type Option func(*options)

func WithHost(host string) Option {
	return func(o *options) { o.Host = host }
}

func WithPort(port int) Option {
	return func(o *options) { o.Port = port }
}

// WithSocketPath connects over a unix socket instead of host:port.
func WithSocketPath(path string) Option {
	return func(o *options) { o.SocketPath = path }
}

func WithTLS(enabled bool) Option {
	return func(o *options) { o.TLS = enabled }
}

// WithCertificatePath enables TLS and verifies the server with the PEM file.
func WithCertificatePath(path string) Option {
	return func(o *options) {
		o.TLS = true
		o.CertPath = path
	}
}

func WithRPCResolver() Option {
	return func(o *options) { o.Resolver = ResolverRPC }
}

func WithInProcessResolver() Option {
	return func(o *options) { o.Resolver = ResolverInProcess }
}

// WithOfflineFilePath evaluates flags from a local file, reloading it when
// it changes. It implies the in-process resolver.
func WithOfflineFilePath(path string) Option {
	return func(o *options) {
		o.OfflineFlagSourcePath = path
		o.Resolver = ResolverInProcess
	}
}

func WithOfflinePollInterval(d time.Duration) Option {
	return func(o *options) { o.OfflinePollIntervalSeconds = d.Seconds() }
}

// WithDeadline bounds every unary call and the blocking part of Init.
func WithDeadline(d time.Duration) Option {
	return func(o *options) { o.DeadlineMs = int(d.Milliseconds()) }
}

// WithStreamDeadline bounds each stream attempt. Zero disables it.
func WithStreamDeadline(d time.Duration) Option {
	return func(o *options) { o.StreamDeadlineMs = int(d.Milliseconds()) }
}

func WithSelector(selector string) Option {
	return func(o *options) { o.Selector = selector }
}

// WithRetryBackoff sets the first reconnect delay and its cap.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(o *options) {
		o.RetryBackoffMs = int(initial.Milliseconds())
		o.RetryBackoffMaxMs = int(max.Milliseconds())
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(o *options) { o.KeepAliveMs = int(d.Milliseconds()) }
}

func WithMaxEventStreamRetries(n int) Option {
	return func(o *options) { o.MaxEventStreamRetries = n }
}

func WithLRUCache(size int) Option {
	return func(o *options) {
		o.Cache = cache.ModeLRU
		o.MaxCacheSize = size
	}
}

func WithoutCache() Option {
	return func(o *options) { o.Cache = cache.ModeDisabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithConnFactory replaces how gRPC channels are created.
func WithConnFactory(f ConnFactory) Option {
	return func(o *options) { o.connFactory = f }
}

func WithTransportHooks(h TransportHooks) Option {
	return func(o *options) { o.hooks = h }
}

// WithTargeter plugs a targeting-rule engine into in-process evaluation.
// Without one, flags with targeting rules resolve to their default variant.
func WithTargeter(t store.Targeter) Option {
	return func(o *options) { o.targeter = t }
}

// WithMetricsRegisterer exposes provider metrics on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithEventBuffer sizes the provider's event channel.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBuffer = n }
}

func buildOptions(opts []Option) (options, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return options{}, err
	}
	o := options{Config: cfg, hooks: DefaultTransportHooks, eventBuffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Cache == "" {
		o.Cache = cache.ModeLRU
	}
	if err := o.Validate(); err != nil {
		return options{}, fmt.Errorf("invalid flagd configuration: %w", err)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if o.hooks == nil {
		o.hooks = DefaultTransportHooks
	}
	if o.eventBuffer <= 0 {
		o.eventBuffer = defaultEventBuffer
	}
	return o, nil
}
