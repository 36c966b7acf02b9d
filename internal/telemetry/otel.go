package telemetry

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	logExport "go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	metricExport "go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	traceExport "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const serviceName = "vaultd"

// InitOtelSDK exports traces, metrics and logs to the OTLP HTTP collector at
// otelCollectorUrl and installs the global providers. Logrus entries are
// forwarded to the collector through a hook.
func InitOtelSDK(
	ctx context.Context, otelCollectorUrl string, pushInterval time.Duration,
) (func(context.Context) error, error) {
	endpoint := strings.TrimSuffix(otelCollectorUrl, "/")
	endpoint = strings.TrimPrefix(endpoint, "http://")
	if pushInterval <= 0 {
		pushInterval = 10 * time.Second
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	traceExp, err := traceExport.New(
		ctx,
		traceExport.WithEndpoint(endpoint),
		traceExport.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExp),
		trace.WithResource(res),
	)

	metricExp, err := metricExport.New(
		ctx,
		metricExport.WithEndpoint(endpoint),
		metricExport.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			metricExp,
			sdkmetric.WithInterval(pushInterval),
		)),
		sdkmetric.WithResource(res),
	)

	logExp, err := logExport.New(
		ctx,
		logExport.WithEndpoint(endpoint),
		logExport.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	log.AddHook(NewLogHook(lp.Logger(serviceName)))

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	log.Info("otel sdk initialized")

	return shutdown, nil
}
