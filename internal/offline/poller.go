// Package offline serves flag definitions from a local file instead of a
// flagd sync stream.
package offline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/open-feature/flagd-provider-go/internal/event"
	"github.com/open-feature/flagd-provider-go/internal/metrics"
	"github.com/open-feature/flagd-provider-go/internal/store"
)

const DefaultInterval = time.Second

// Options configures a Poller.
type Options struct {
	Path     string
	Interval time.Duration
	Store    *store.Store
	Sink     event.Sink
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Poller reloads a flag file whenever its content changes.
type Poller struct {
	path     string
	interval time.Duration
	store    *store.Store
	sink     event.Sink
	logger   *slog.Logger
	metrics  *metrics.Recorder

	// Only the Run goroutine touches these.
	lastHash [sha256.Size]byte
	loaded   bool
	healthy  bool
	everUp   bool
	failures int

	done chan struct{}
}

func New(o Options) (*Poller, error) {
	if o.Path == "" {
		return nil, fmt.Errorf("offline flag source path is required")
	}
	if o.Store == nil {
		return nil, fmt.Errorf("offline flag source needs a store")
	}
	p := &Poller{
		path:     o.Path,
		interval: o.Interval,
		store:    o.Store,
		sink:     o.Sink,
		logger:   o.Logger,
		metrics:  o.Metrics,
		done:     make(chan struct{}),
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.sink == nil {
		p.sink = event.Discard
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Done is closed when Run returns.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Run loads the file immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.done)

	p.poll()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Terminating offline flag source", "path", p.path)
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		// The same content reappearing must be loaded again.
		p.loaded = false
		p.fail(fmt.Errorf("failed to read flag file: %w", err), event.GeneralCode)
		return
	}
	sum := sha256.Sum256(data)
	if p.loaded && sum == p.lastHash {
		return
	}
	p.lastHash = sum
	p.loaded = true

	doc, err := Decode(p.path, data)
	if err != nil {
		p.fail(err, event.ParseErrorCode)
		return
	}
	changed := p.store.Update(doc)
	p.failures = 0

	if !p.healthy {
		p.healthy = true
		p.metrics.Connected(true)
		p.sink.OnReady()
		if !p.everUp {
			p.everUp = true
			p.logger.Info("Loaded flag file", "path", p.path, "flags", len(p.store.Keys()))
			return
		}
		p.logger.Info("Recovered flag file", "path", p.path, "changed", changed)
	}
	if len(changed) > 0 {
		p.logger.Debug("Flag file changed", "path", p.path, "changed", changed)
		p.sink.OnConfigurationChanged(changed)
	}
}

// fail keeps the previously loaded flags and reports the error.
func (p *Poller) fail(err error, code event.ErrorCode) {
	p.failures++
	if p.healthy {
		p.healthy = false
		p.metrics.Connected(false)
	}
	p.logger.Error("Could not load flag file", "path", p.path, "error", err)
	p.sink.OnError(event.ErrorDetails{
		Message: fmt.Sprintf("failed to load %s: %v", p.path, err),
		Code:    code,
		Attempt: p.failures,
	})
}

// Decode parses a flag file, choosing the format from its extension. JSON is
// assumed for anything that is not YAML or TOML.
func Decode(path string, data []byte) (*store.Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc store.Document
		if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrParse, err)
		}
		if err := doc.Normalize(); err != nil {
			return nil, err
		}
		return &doc, nil
	case ".toml":
		var doc store.Document
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrParse, err)
		}
		if err := doc.Normalize(); err != nil {
			return nil, err
		}
		return &doc, nil
	default:
		return store.ParseJSON(data)
	}
}
