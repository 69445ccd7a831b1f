package handler

import (
	"go.uber.org/zap"
)

// RequestMetrics describes one completed request, including early exits.
type RequestMetrics struct {
	RequestID  string
	Method     string
	Path       string
	StatusCode int
	DurationMs int64
	Service    string
	Route      string
}

// ErrorMetrics describes a failed request.
type ErrorMetrics struct {
	RequestID  string
	Code       string
	StatusCode int
	Service    string
	Message    string
}

// ServiceCallMetrics describes one upstream call.
type ServiceCallMetrics struct {
	RequestID  string
	Service    string
	Instance   string
	StatusCode int
	DurationMs int64
}

// Span is a minimal trace span handle.
type Span interface {
	AddTag(key, value string)
	Finish()
}

// Telemetry is the external observability collaborator. Implementations
// must be fire-and-forget: they may drop data but never block or fail the
// request path.
type Telemetry interface {
	LogRequest(m RequestMetrics)
	LogError(m ErrorMetrics)
	LogServiceCall(m ServiceCallMetrics)
	StartSpan(name, requestID string) Span
}

// ZapTelemetry is the default sink: structured logs, spans as log pairs.
type ZapTelemetry struct {
	Log *zap.Logger
}

func (t *ZapTelemetry) LogRequest(m RequestMetrics) {
	t.Log.Info("request completed",
		zap.String("requestId", m.RequestID),
		zap.String("method", m.Method),
		zap.String("path", m.Path),
		zap.Int("status", m.StatusCode),
		zap.Int64("durationMs", m.DurationMs),
		zap.String("service", m.Service),
		zap.String("route", m.Route))
}

func (t *ZapTelemetry) LogError(m ErrorMetrics) {
	t.Log.Warn("request failed",
		zap.String("requestId", m.RequestID),
		zap.String("code", m.Code),
		zap.Int("status", m.StatusCode),
		zap.String("service", m.Service),
		zap.String("message", m.Message))
}

func (t *ZapTelemetry) LogServiceCall(m ServiceCallMetrics) {
	t.Log.Debug("service call",
		zap.String("requestId", m.RequestID),
		zap.String("service", m.Service),
		zap.String("instance", m.Instance),
		zap.Int("status", m.StatusCode),
		zap.Int64("durationMs", m.DurationMs))
}

func (t *ZapTelemetry) StartSpan(name, requestID string) Span {
	return &zapSpan{log: t.Log, name: name, requestID: requestID}
}

type zapSpan struct {
	log       *zap.Logger
	name      string
	requestID string
	tags      []zap.Field
}

func (s *zapSpan) AddTag(key, value string) {
	s.tags = append(s.tags, zap.String(key, value))
}

func (s *zapSpan) Finish() {
	fields := append([]zap.Field{
		zap.String("span", s.name),
		zap.String("requestId", s.requestID),
	}, s.tags...)
	s.log.Debug("span finished", fields...)
}

// NopTelemetry discards everything; used in tests.
type NopTelemetry struct{}

func (NopTelemetry) LogRequest(RequestMetrics)         {}
func (NopTelemetry) LogError(ErrorMetrics)             {}
func (NopTelemetry) LogServiceCall(ServiceCallMetrics) {}
func (NopTelemetry) StartSpan(string, string) Span     { return nopSpan{} }

type nopSpan struct{}

func (nopSpan) AddTag(string, string) {}
func (nopSpan) Finish()               {}
