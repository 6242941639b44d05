// Package observability configures process-wide structured logging.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

const instrumentationName = "github.com/florianilch/mallreview"

// Export selects where OpenTelemetry log records are sent in addition to the console.
type Export string

const (
	ExportNone     Export = "none"
	ExportStdout   Export = "stdout"
	ExportOTLPGRPC Export = "otlp-grpc"
	ExportOTLPHTTP Export = "otlp-http"
)

// Options controls Instrument.
type Options struct {
	Level  slog.Level
	Format string // text or json
	Export Export

	// Writer receives console logs. Defaults to os.Stderr.
	Writer io.Writer
	// ExportWriter receives records of the stdout exporter. Defaults to os.Stdout.
	ExportWriter io.Writer
	// Version is reported as service.version.
	Version string
}

// Instrument installs the default slog logger and, if requested, an OpenTelemetry
// logger provider. The returned function flushes and stops the export pipeline.
func Instrument(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Writer == nil {
		opts.Writer = os.Stderr
	}
	if opts.ExportWriter == nil {
		opts.ExportWriter = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var console slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		console = slog.NewTextHandler(opts.Writer, handlerOpts)
	case "json":
		console = slog.NewJSONHandler(opts.Writer, handlerOpts)
	default:
		return nil, fmt.Errorf("unsupported log format: %q", opts.Format)
	}

	handler := slog.Handler(&traceHandler{Handler: console})
	shutdown := func(context.Context) error { return nil }

	if opts.Export != "" && opts.Export != ExportNone {
		provider, err := newLoggerProvider(ctx, opts)
		if err != nil {
			return nil, err
		}
		global.SetLoggerProvider(provider)
		otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
			// Reported on the console only; the export pipeline is what failed
			_ = console.Handle(context.Background(), errorRecord(err))
		}))

		handler = fanout{handler, otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))}
		shutdown = provider.Shutdown
	}

	slog.SetDefault(slog.New(handler))
	return shutdown, nil
}

func newLoggerProvider(ctx context.Context, opts Options) (*sdklog.LoggerProvider, error) {
	var (
		exporter sdklog.Exporter
		err      error
	)
	switch opts.Export {
	case ExportStdout:
		exporter, err = stdoutlog.New(stdoutlog.WithWriter(opts.ExportWriter))
	case ExportOTLPGRPC:
		// Endpoint and headers come from OTEL_EXPORTER_OTLP_* variables
		exporter, err = otlploggrpc.New(ctx)
	case ExportOTLPHTTP:
		exporter, err = otlploghttp.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log export: %q", opts.Export)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s log exporter: %w", opts.Export, err)
	}

	var processor sdklog.Processor
	if opts.Export == ExportStdout {
		processor = sdklog.NewSimpleProcessor(exporter)
	} else {
		processor = sdklog.NewBatchProcessor(exporter)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "mallreview"),
		attribute.String("service.version", opts.Version),
	)

	return sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(opts.Level))),
	), nil
}

// severity maps a slog level onto the minimum exported severity.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

func errorRecord(err error) slog.Record {
	var r slog.Record
	r.Level = slog.LevelError
	r.Message = "log export failed"
	r.AddAttrs(slog.Any("error", err))
	return r
}

// fanout passes every record to all handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithAttrs(attrs)
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, len(f))
	for i, h := range f {
		next[i] = h.WithGroup(name)
	}
	return next
}
