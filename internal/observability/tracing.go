package observability

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/wrsn-simulator/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultSpanBudget is roughly how many decision spans a run keeps when no
// sample ratio is configured.
const DefaultSpanBudget = 2000

// RunAttributes describe the simulation a tracer provider belongs to. They
// become resource attributes on every exported span.
type RunAttributes struct {
	RunID    string
	Scenario string
	Policy   string
	Seed     uint64
	Nodes    int
	Chargers int
	// Decisions is the expected number of scheduler decisions, horizon/tick
	// per charger. Zero means unknown.
	Decisions int
}

func (r RunAttributes) keyValues() []attribute.KeyValue {
	kv := []attribute.KeyValue{
		attribute.String("wrsn.policy", r.Policy),
		attribute.Int64("wrsn.seed", int64(r.Seed)),
		attribute.Int("wrsn.nodes", r.Nodes),
		attribute.Int("wrsn.chargers", r.Chargers),
	}
	if r.RunID != "" {
		kv = append(kv, attribute.String("wrsn.run_id", r.RunID))
	}
	if r.Scenario != "" {
		kv = append(kv, attribute.String("wrsn.scenario", r.Scenario))
	}
	return kv
}

// TracingConfig governs how simulator tracing is initialised.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // used when Exporter == otlp
	// SampleRatio in [0,1]. Negative derives it from Run.Decisions.
	SampleRatio float64
	// Output receives stdout-exporter spans. Nil means stderr, keeping
	// stdout free for the run summary.
	Output io.Writer
	Run    RunAttributes
}

// TracingConfigFromEnv reads WRSN_TRACING_* variables. Run attributes are
// left for the caller.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv("WRSN_TRACING_ENABLED"), "true"),
		ServiceName: os.Getenv("WRSN_TRACING_SERVICE_NAME"),
		Exporter:    strings.ToLower(os.Getenv("WRSN_TRACING_EXPORTER")),
		Endpoint:    os.Getenv("WRSN_OTLP_ENDPOINT"),
		SampleRatio: -1,
	}
	if cfg.Exporter == "" {
		cfg.Exporter = "stdout"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "wrsn-simulator"
	}
	if raw := os.Getenv("WRSN_TRACING_SAMPLE_RATIO"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.SampleRatio = parsed
		}
	}
	return cfg
}

// EffectiveSampleRatio resolves the ratio actually used. Without an explicit
// ratio, long runs are thinned so about DefaultSpanBudget decisions are kept.
func (cfg TracingConfig) EffectiveSampleRatio() float64 {
	if cfg.SampleRatio >= 0 {
		return math.Min(cfg.SampleRatio, 1)
	}
	if cfg.Run.Decisions <= DefaultSpanBudget {
		return 1
	}
	return float64(DefaultSpanBudget) / float64(cfg.Run.Decisions)
}

// InitTracing installs the global tracer provider for one run and returns
// the function that flushes it.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	service := cfg.ServiceName
	if service == "" {
		service = "wrsn-simulator"
	}
	attrs := append([]attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.namespace", "wrsn"),
	}, cfg.Run.keyValues()...)
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	ratio := cfg.EffectiveSampleRatio()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("policy", cfg.Run.Policy),
		logging.Float("sample_ratio", ratio))
	return tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		w := cfg.Output
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", cfg.Exporter)
	}
}

// StartRunSpan opens the root span that decision and clustering spans nest
// under.
func StartRunSpan(ctx context.Context, run RunAttributes) (context.Context, trace.Span) {
	return otel.Tracer("wrsn/simulator").Start(ctx, "simulation.run",
		trace.WithAttributes(run.keyValues()...))
}

// EndRunSpan records how the run ended and closes span.
func EndRunSpan(span trace.Span, stopReason string, simTime time.Duration, alive bool, err error) {
	span.SetAttributes(
		attribute.String("wrsn.stop_reason", stopReason),
		attribute.Float64("wrsn.sim_seconds", simTime.Seconds()),
		attribute.Bool("wrsn.alive", alive),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ShutdownWithTimeout flushes spans within five seconds, logging failures.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
