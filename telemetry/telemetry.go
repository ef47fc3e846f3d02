package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/globals"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const meterName = "lightspeed-session"

// Init sets up the global meter provider. Without a metrics file, a noop meter is returned. The returned function
// flushes and closes the exporter.
func Init(cfg config.TelemetryConfig) (metric.Meter, func(), error) {
	if cfg.MetricsFile == "" {
		return noop.NewMeterProvider().Meter(meterName), func() {}, nil
	}
	metricsFile := &lumberjack.Logger{
		Filename:   cfg.MetricsFile,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(ctx); err != nil {
			globals.AppLogger.Error("failed to shutdown meter provider", "error", err)
		}
		if err := metricsFile.Close(); err != nil {
			globals.AppLogger.Error("failed to close metrics file", "error", err)
		}
	}
	return mp.Meter(meterName), cleanup, nil
}

// Metrics are the gateway counters.
type Metrics struct {
	Connections    metric.Int64UpDownCounter
	Joins          metric.Int64Counter
	Messages       metric.Int64Counter
	Removals       metric.Int64Counter
	AICompletions  metric.Int64Counter
	VoiceTokens    metric.Int64Counter
	SessionsEnded  metric.Int64Counter
	HandlerFailure metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.Connections, err = meter.Int64UpDownCounter("gateway.connections", metric.WithDescription("open websocket connections")); err != nil {
		return nil, err
	}
	if m.Joins, err = meter.Int64Counter("gateway.joins", metric.WithDescription("successful room joins")); err != nil {
		return nil, err
	}
	if m.Messages, err = meter.Int64Counter("gateway.messages", metric.WithDescription("accepted chat messages")); err != nil {
		return nil, err
	}
	if m.Removals, err = meter.Int64Counter("gateway.removals", metric.WithDescription("participants removed for abusive language")); err != nil {
		return nil, err
	}
	if m.AICompletions, err = meter.Int64Counter("gateway.ai.completions", metric.WithDescription("ai completions by result")); err != nil {
		return nil, err
	}
	if m.VoiceTokens, err = meter.Int64Counter("gateway.voice.tokens", metric.WithDescription("issued voice credentials")); err != nil {
		return nil, err
	}
	if m.SessionsEnded, err = meter.Int64Counter("gateway.sessions.ended", metric.WithDescription("sessions ended, by trigger")); err != nil {
		return nil, err
	}
	if m.HandlerFailure, err = meter.Int64Counter("gateway.failures", metric.WithDescription("failed events, by kind")); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns metrics which record nothing.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(meterName))
	if err != nil {
		// the noop meter never fails
		panic(err)
	}
	return m
}
