package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/irfndi/celebrum-fetcher/internal/config"
)

const (
	ServiceName    = "celebrum-fetcher"
	ServiceVersion = "1.0.0"

	tracesPath   = "/v1/traces"
	batchTimeout = 5 * time.Second
)

// Provider owns the process-wide tracer provider. Shutdown flushes pending
// spans and is safe to call on a disabled provider.
type Provider struct {
	tp       *sdktrace.TracerProvider
	exporter string
	logger   *logrus.Logger
}

type options struct {
	stdout io.Writer
}

type Option func(*options)

// WithStdoutWriter redirects the stdout exporter, mostly for tests.
func WithStdoutWriter(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// Init installs a global tracer provider according to cfg. A disabled
// configuration yields a provider whose Shutdown is a no-op and leaves the
// default no-op global tracer in place.
func Init(ctx context.Context, cfg config.TelemetryConfig, logger *logrus.Logger, opts ...Option) (*Provider, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &Provider{logger: logger}
	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return p, nil
	}

	o := options{stdout: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	exporter, err := newExporter(ctx, cfg, o)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	p.exporter = exporterName(cfg)

	otel.SetTracerProvider(p.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.WithFields(logrus.Fields{
		"exporter": p.exporter,
		"service":  serviceName(cfg),
	}).Info("Tracing enabled")
	return p, nil
}

// Enabled reports whether spans are being exported.
func (p *Provider) Enabled() bool {
	return p != nil && p.tp != nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down tracer provider: %w", err)
	}
	p.logger.WithField("exporter", p.exporter).Debug("Tracer provider shut down")
	return nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig, o options) (sdktrace.SpanExporter, error) {
	switch exporterName(cfg) {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(o.stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		hostport, path, insecure, _, err := normalizeOTLPEndpoint(cfg.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid OTLP endpoint: %w", err)
		}
		clientOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(hostport),
			otlptracehttp.WithURLPath(path),
		}
		if insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported telemetry exporter %q", cfg.Exporter)
	}
}

func newResource(ctx context.Context, cfg config.TelemetryConfig) (*resource.Resource, error) {
	version := cfg.ServiceVersion
	if version == "" {
		version = ServiceVersion
	}
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName(cfg)),
			attribute.String("service.version", version),
		),
		resource.WithProcessRuntimeName(),
		resource.WithHost(),
	)
}

func exporterName(cfg config.TelemetryConfig) string {
	if cfg.Exporter == "" {
		return "stdout"
	}
	return strings.ToLower(cfg.Exporter)
}

func serviceName(cfg config.TelemetryConfig) string {
	if cfg.ServiceName == "" {
		return ServiceName
	}
	return cfg.ServiceName
}

// normalizeOTLPEndpoint splits a collector URL into the pieces the HTTP
// exporter wants. The traces path is appended unless already present.
func normalizeOTLPEndpoint(endpoint string) (hostport, urlPath string, insecure bool, resolved string, err error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", "", false, "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", false, "", errors.New("endpoint must start with http:// or https://")
	}
	if u.Host == "" {
		return "", "", false, "", errors.New("endpoint has no host")
	}

	urlPath = strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(urlPath, tracesPath) {
		urlPath += tracesPath
	}
	insecure = u.Scheme == "http"
	resolved = u.Scheme + "://" + u.Host + urlPath
	return u.Host, urlPath, insecure, resolved, nil
}
