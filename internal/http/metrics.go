package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/sdmd/internal/http"

// HTTPMetrics records request and webhook delivery metrics. Instruments
// that fail to register are left nil and skipped.
type HTTPMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	requests   metric.Int64Counter
	duration   metric.Float64Histogram
	size       metric.Int64Histogram
	inFlight   metric.Int64UpDownCounter
	deliveries metric.Int64Counter
}

// NewHTTPMetrics registers instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{meter: meter, logger: logger}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	var err error
	m.requests, err = meter.Int64Counter("sdmd.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status."),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.duration, err = meter.Float64Histogram("sdmd.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 1, 2.5, 10))
	warn("request_duration_seconds", err)

	m.size, err = meter.Int64Histogram("sdmd.http.response_size_bytes",
		metric.WithDescription("HTTP response body size by method, route and status."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 1024, 8192, 65536, 524288))
	warn("response_size_bytes", err)

	m.inFlight, err = meter.Int64UpDownCounter("sdmd.http.active_requests",
		metric.WithDescription("HTTP requests being served."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	m.deliveries, err = meter.Int64Counter("sdmd.webhook.deliveries_total",
		metric.WithDescription("GitHub webhook deliveries by event and outcome."),
		metric.WithUnit("{delivery}"))
	warn("deliveries_total", err)

	return m
}

// MetricsMiddleware records every request under its route template.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)
			if err != nil {
				// Let echo write the error so the recorded status is final.
				c.Error(err)
				err = nil
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", normalizePath(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

// Delivery counts one webhook delivery. Outcome is accepted, ignored,
// rejected or limited.
func (m *HTTPMetrics) Delivery(ctx context.Context, event, outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}

// normalizePath maps an unmatched request to a single label. Matched
// requests already carry the route template, such as
// /api/v1/goals/:owner/:repo/:sha, so repository names never become labels.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
