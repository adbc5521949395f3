// Command flagd-watch connects to flagd, prints the current value of the
// given flags and reprints them whenever flagd reports a change.
//
// Usage:
//
//	flagd-watch [-user id] key[:bool|string|int|float|object] ...
//
// Connection settings come from the FLAGD_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/open-feature/go-sdk/openfeature"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	flagd "github.com/open-feature/flagd-provider-go"
)

type watchedFlag struct {
	key  string
	kind string
}

func parseFlags(args []string) ([]watchedFlag, error) {
	out := make([]watchedFlag, 0, len(args))
	for _, arg := range args {
		key, kind, found := strings.Cut(arg, ":")
		if !found {
			kind = "bool"
		}
		switch kind {
		case "bool", "string", "int", "float", "object":
		default:
			return nil, fmt.Errorf("unknown flag type %q for %s", kind, key)
		}
		out = append(out, watchedFlag{key: key, kind: kind})
	}
	return out, nil
}

type printer struct {
	mu      sync.Mutex
	client  *openfeature.Client
	evalCtx openfeature.EvaluationContext

	ok    func(a ...any) string
	warn  func(a ...any) string
	fail  func(a ...any) string
	faint func(a ...any) string
}

func newPrinter(client *openfeature.Client, evalCtx openfeature.EvaluationContext) *printer {
	return &printer{
		client:  client,
		evalCtx: evalCtx,
		ok:      color.New(color.FgGreen).SprintFunc(),
		warn:    color.New(color.FgYellow).SprintFunc(),
		fail:    color.New(color.FgRed, color.Bold).SprintFunc(),
		faint:   color.New(color.Faint).SprintFunc(),
	}
}

func (p *printer) status(label string, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf("%s %s %s\n", p.faint(time.Now().Format(time.TimeOnly)), label, msg)
}

func (p *printer) evaluate(ctx context.Context, f watchedFlag) {
	var (
		value  any
		detail openfeature.EvaluationDetails
		err    error
	)
	switch f.kind {
	case "bool":
		var d openfeature.BooleanEvaluationDetails
		d, err = p.client.BooleanValueDetails(ctx, f.key, false, p.evalCtx)
		value, detail = d.Value, d.EvaluationDetails
	case "string":
		var d openfeature.StringEvaluationDetails
		d, err = p.client.StringValueDetails(ctx, f.key, "", p.evalCtx)
		value, detail = d.Value, d.EvaluationDetails
	case "int":
		var d openfeature.IntEvaluationDetails
		d, err = p.client.IntValueDetails(ctx, f.key, 0, p.evalCtx)
		value, detail = d.Value, d.EvaluationDetails
	case "float":
		var d openfeature.FloatEvaluationDetails
		d, err = p.client.FloatValueDetails(ctx, f.key, 0, p.evalCtx)
		value, detail = d.Value, d.EvaluationDetails
	default:
		var d openfeature.InterfaceEvaluationDetails
		d, err = p.client.ObjectValueDetails(ctx, f.key, nil, p.evalCtx)
		value, detail = d.Value, d.EvaluationDetails
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		fmt.Printf("  %-24s %s %s\n", f.key, p.fail("error"), err)
		return
	}
	fmt.Printf("  %-24s %s %s\n", f.key, p.ok(fmt.Sprintf("%v", value)),
		p.faint(fmt.Sprintf("variant=%s reason=%s", detail.Variant, detail.Reason)))
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
}

func main() {
	user := flag.String("user", "", "targeting key sent with every evaluation")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address, e.g. :9090")
	flag.Parse()

	watched, err := parseFlags(flag.Args())
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	if len(watched) == 0 {
		log.Fatalf("ERROR: no flags given\n\nUsage: flagd-watch [-user id] [-metrics addr] key[:type] ...")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	provider, err := flagd.NewProvider(flagd.WithMetricsRegisterer(reg))
	if err != nil {
		log.Fatalf("Failed to create provider: %v", err)
	}
	if *metricsAddr != "" {
		serveMetrics(*metricsAddr, reg)
	}

	client := openfeature.NewClient("flagd-watch")
	out := newPrinter(client, openfeature.NewEvaluationContext(*user, nil))

	onReady := func(openfeature.EventDetails) {
		out.status(out.ok("READY"), "connected to flagd")
		for _, f := range watched {
			out.evaluate(ctx, f)
		}
	}
	onStale := func(d openfeature.EventDetails) {
		out.status(out.warn("STALE"), d.Message)
	}
	onError := func(d openfeature.EventDetails) {
		out.status(out.fail("ERROR"), d.Message)
	}
	onChange := func(d openfeature.EventDetails) {
		out.status(out.warn("CHANGED"), strings.Join(d.FlagChanges, ", "))
		for _, f := range watched {
			if slices.Contains(d.FlagChanges, f.key) {
				out.evaluate(ctx, f)
			}
		}
	}
	client.AddHandler(openfeature.ProviderReady, &onReady)
	client.AddHandler(openfeature.ProviderStale, &onStale)
	client.AddHandler(openfeature.ProviderError, &onError)
	client.AddHandler(openfeature.ProviderConfigChange, &onChange)

	if err := openfeature.SetProviderAndWait(provider); err != nil {
		out.status(out.fail("NOT READY"), fmt.Sprintf("%v (still retrying)", err))
	}

	<-ctx.Done()
	out.status(out.faint("STOP"), "shutting down")
	openfeature.Shutdown()
}
