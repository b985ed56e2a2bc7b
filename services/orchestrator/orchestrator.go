// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator provides the diagram generation service.
//
// This package contains the Service type that wires every component of the
// service together: HTTP routing, the backend invoker, the configuration
// resolver, the prompt assembler, and the observability infrastructure.
//
// # Request Flow
//
//	POST /api/generate
//	   │
//	   ▼
//	handlers.HandleGenerate ── config.Resolve ── prompt.Assemble
//	   │
//	   ▼
//	llm.Dispatcher.Invoke ──chunk──▶ handlers.SSEWriter ──▶ client
//
// # Usage
//
//	cfg := orchestrator.Config{Port: 12210}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianDraw/services/llm"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/config"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/prompt"
	"github.com/AleutianAI/AleutianDraw/services/orchestrator/routes"
)

// ServiceName identifies the service in traces and logs.
const ServiceName = "aleutian-draw"

// Trace exporter names accepted by Config.TraceExporter.
const (
	TraceExporterOTLP   = "otlp"
	TraceExporterStdout = "stdout"
	TraceExporterNone   = "none"
)

const (
	defaultPort            = 12210
	defaultOTelEndpoint    = "aleutian-otel-collector:4317"
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run and Serve block and
// should be called at most once per instance.
type Service interface {
	// Run listens on the configured port and serves until ctx is cancelled.
	//
	// # Description
	//
	// On cancellation the server stops accepting connections and waits up
	// to Config.ShutdownTimeout for open streams to finish. Tracer and
	// other resources are released before Run returns.
	//
	// # Outputs
	//
	//   - error: Non-nil if the listener fails or shutdown times out.
	//
	// # Examples
	//
	//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	//	defer stop()
	//	if err := svc.Run(ctx); err != nil {
	//	    log.Fatalf("server error: %v", err)
	//	}
	Run(ctx context.Context) error

	// Serve is Run on a caller-provided listener.
	Serve(ctx context.Context, ln net.Listener) error

	// Router returns the underlying Gin engine for testing.
	//
	// # Limitations
	//
	//   - Should not be used to modify routes after construction
	Router() *gin.Engine
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds orchestrator configuration options.
//
// # Description
//
// Config centralizes service-level settings. Values can come from a YAML
// file (LoadConfigFile), environment variables and flags (cmd/orchestrator),
// or be set programmatically in tests. Backend credentials are NOT part of
// Config; they come from the request or from config.EnvSnapshot.
//
// Zero values are replaced by defaults in New. HeartbeatInterval and
// MaxRequestBytes accept a negative value to disable the feature.
//
// # Examples
//
//	// Minimal config (uses all defaults)
//	cfg := Config{}
//
//	// Local development with spans printed to stdout
//	cfg := Config{Port: 8080, GinMode: "debug", TraceExporter: "stdout"}
//
// YAML form:
//
//	port: 12210
//	trace_exporter: otlp
//	otel_endpoint: localhost:4317
//	heartbeat_interval: 15s
//	max_request_bytes: 20971520
//	backend_timeout: 5m
//	system_prompt_file: /etc/aleutian/system_prompt.txt
type Config struct {
	// Port is the HTTP server port. Default: 12210
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// GinMode sets the Gin framework mode: debug, release or test.
	// Empty leaves the process-wide mode unchanged.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// TraceExporter selects span export: otlp, stdout or none. Default: otlp
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`

	// OTelEndpoint is the OTLP gRPC collector endpoint.
	// Default: "aleutian-otel-collector:4317"
	OTelEndpoint string `yaml:"otel_endpoint" validate:"required_if=TraceExporter otlp"`

	// DisableMetrics removes GET /metrics and stops recording metrics.
	DisableMetrics bool `yaml:"disable_metrics"`

	// HeartbeatInterval is the SSE keepalive period. Default: 15s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxRequestBytes bounds the request body. Default: 20 MiB
	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	// BackendTimeout bounds one backend call. Default: 5m
	BackendTimeout time.Duration `yaml:"backend_timeout" validate:"min=0"`

	// SystemPromptFile replaces the built-in system prompt when set.
	SystemPromptFile string `yaml:"system_prompt_file" validate:"omitempty,file"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
}

var configValidate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints after defaults are applied.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid orchestrator config: %w", err)
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
//
// # Description
//
// Unknown keys are rejected so typos fail loudly. Durations use Go syntax
// ("15s", "5m"). An empty file yields a zero Config.
//
// # Outputs
//
//   - Config: Parsed values, defaults NOT applied.
//   - error: Non-nil if the file cannot be read or parsed.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Dependencies lets callers replace the components New would build.
//
// # Fields
//
//   - Invoker: Backend invoker. Nil builds an llm.Dispatcher.
//   - Env: Environment backend snapshot. Nil reads the process environment.
//   - Registry: Metrics registry. Nil uses the Prometheus default registry,
//     which can only be initialised once per process.
type Dependencies struct {
	Invoker  llm.Invoker
	Env      *config.EnvSnapshot
	Registry *prometheus.Registry
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service for production use.
//
// # Fields
//
//   - config: Service configuration with defaults applied
//   - router: Gin HTTP engine
//   - env: Environment backend snapshot
//   - tracerCleanup: Flushes and stops the tracer provider
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New() returns.
type service struct {
	config        Config
	router        *gin.Engine
	env           config.EnvSnapshot
	tracerCleanup func(context.Context)
}

// =============================================================================
// Constructor
// =============================================================================

// New creates a new orchestrator Service with the given configuration.
//
// # Description
//
// New initializes all orchestrator components:
//  1. Applies default configuration and validates it
//  2. Initializes OpenTelemetry tracing
//  3. Initializes Prometheus metrics
//  4. Snapshots the backend environment and builds the invoker
//  5. Builds the prompt assembler (optionally from a file)
//  6. Sets up HTTP routes
//
// # Inputs
//
//   - cfg: Service configuration. Zero values use defaults.
//   - deps: Optional component overrides. May be nil.
//
// # Outputs
//
//   - Service: Ready-to-run orchestrator service
//   - error: Non-nil if configuration is invalid or a component fails
//
// # Examples
//
//	svc, err := New(Config{TraceExporter: "none"}, &Dependencies{
//	    Registry: prometheus.NewRegistry(),
//	})
func New(cfg Config, deps *Dependencies) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps == nil {
		deps = &Dependencies{}
	}

	s := &service{config: cfg}

	cleanup, err := initTracer(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	var metrics *observability.StreamingMetrics
	var gatherer prometheus.Gatherer
	if !cfg.DisableMetrics {
		if deps.Registry != nil {
			metrics = observability.NewStreamingMetrics(deps.Registry)
			gatherer = deps.Registry
		} else {
			metrics = observability.InitMetrics()
			gatherer = prometheus.DefaultGatherer
		}
		slog.Info("Initialized Prometheus metrics for streaming")
	}

	if deps.Env != nil {
		s.env = *deps.Env
	} else {
		s.env = config.LoadEnvSnapshot()
	}
	if s.env.Complete() {
		envCfg := s.env.BackendConfig()
		slog.Info("Environment backend configured",
			"backend", envCfg.Kind(),
			"baseUrl", envCfg.BaseURL,
			"model", envCfg.Model,
			"keySource", s.env.KeySource,
		)
	} else {
		slog.Warn("Environment backend incomplete; requests must carry config",
			"missing", s.env.Missing())
	}

	invoker := deps.Invoker
	if invoker == nil {
		invoker = llm.NewDispatcher(&http.Client{Timeout: cfg.BackendTimeout})
	}

	assembler := prompt.NewAssembler("")
	if cfg.SystemPromptFile != "" {
		assembler, err = prompt.NewAssemblerFromFile(cfg.SystemPromptFile)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to load system prompt: %w", err)
		}
		slog.Info("Loaded system prompt override", "path", cfg.SystemPromptFile)
	}

	generate := handlers.NewGenerateHandler(invoker, s.env, assembler, handlers.GenerateOptions{
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxRequestBytes:   cfg.MaxRequestBytes,
		Metrics:           metrics,
	})

	s.initRouter(routes.Options{
		Generate:        generate,
		Env:             s.env,
		Backends:        backendKinds(invoker),
		MetricsGatherer: gatherer,
	})

	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

func (s *service) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cleanup()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.cleanup()

	// No WriteTimeout: a generation stream may legitimately run for minutes.
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Starting orchestrator server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("Shutting down orchestrator server", "timeout", s.config.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = TraceExporterOTLP
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = defaultOTelEndpoint
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = handlers.DefaultHeartbeatInterval
	}
	if cfg.MaxRequestBytes == 0 {
		cfg.MaxRequestBytes = handlers.DefaultMaxRequestBytes
	}
	if cfg.BackendTimeout == 0 {
		cfg.BackendTimeout = llm.DefaultTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return cfg
}

// initTracer installs the global tracer provider for cfg.TraceExporter.
//
// # Outputs
//
//   - func(context.Context): Flushes pending spans; call on shutdown
//   - error: Non-nil if exporter setup fails
//
// # Limitations
//
//   - Uses insecure gRPC connection (appropriate for internal networks)
//   - "none" leaves the global no-op provider in place
func initTracer(ctx context.Context, cfg Config) (func(context.Context), error) {
	var exporter sdktrace.SpanExporter
	closeConn := func() error { return nil }

	switch cfg.TraceExporter {
	case TraceExporterNone:
		return func(context.Context) {}, nil

	case TraceExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporter = exp

	case TraceExporterOTLP:
		conn, err := grpc.NewClient(cfg.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		exporter = exp
		closeConn = conn.Close

	default:
		return nil, fmt.Errorf("unknown trace exporter: %s", cfg.TraceExporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if err := closeConn(); err != nil {
			slog.Warn("failed to close OTLP connection", "error", err)
		}
	}

	return cleanup, nil
}

// initRouter sets up the Gin HTTP router with all routes.
func (s *service) initRouter(opts routes.Options) {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(ServiceName))

	routes.SetupRoutes(s.router, opts)
}

// cleanup releases all resources held by the service.
func (s *service) cleanup() {
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// backendKinds lists the config.type values an invoker accepts, when it
// can tell.
func backendKinds(invoker llm.Invoker) []string {
	if lister, ok := invoker.(interface{ Kinds() []string }); ok {
		return lister.Kinds()
	}
	return nil
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
