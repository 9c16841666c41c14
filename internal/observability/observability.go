// Package observability configures the process-wide slog logger.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Log formats accepted by Instrument.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatOTel = "otel"
)

// OTLP exporters accepted by Instrument for FormatOTel.
const (
	ProtocolStdout = "stdout"
	ProtocolHTTP   = "http"
	ProtocolGRPC   = "grpc"
)

const instrumentationName = "github.com/florianilch/oauthkeep"

// ShutdownFunc flushes and stops the log pipeline.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Instrument installs the default slog logger. Text and JSON go to stderr;
// otel exports through the OpenTelemetry log SDK using protocol. The returned
// ShutdownFunc must be called before exit.
func Instrument(ctx context.Context, level slog.Level, format, protocol string) (ShutdownFunc, error) {
	return instrument(ctx, os.Stderr, level, format, protocol)
}

func instrument(ctx context.Context, w io.Writer, level slog.Level, format, protocol string) (ShutdownFunc, error) {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "", FormatText:
		slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
		return noop, nil
	case FormatJSON:
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
		return noop, nil
	case FormatOTel:
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	exporter, err := newExporter(ctx, w, protocol)
	if err != nil {
		return nil, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(level))),
	)
	global.SetLoggerProvider(provider)

	// SDK internal errors must not go through the pipeline they report on
	fallback := slog.New(slog.NewTextHandler(w, opts))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		fallback.Error("opentelemetry error", "error", err)
	}))

	slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider))))

	return func(ctx context.Context) error {
		return errors.Join(provider.ForceFlush(ctx), provider.Shutdown(ctx))
	}, nil
}

func newExporter(ctx context.Context, w io.Writer, protocol string) (sdklog.Exporter, error) {
	switch protocol {
	case "", ProtocolStdout:
		return stdoutlog.New(stdoutlog.WithWriter(w))
	case ProtocolHTTP:
		// Endpoint and headers come from the OTEL_EXPORTER_OTLP_* variables
		return otlploghttp.New(ctx)
	case ProtocolGRPC:
		return otlploggrpc.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}

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
