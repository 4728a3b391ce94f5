package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "taskboard/api"
	requestSpanName    = "taskboard.api.request"
	requestEventName   = "todo.request"
	requestEventDomain = "taskboard.api"
	observabilityEvent = "observability.event"
	attrPrefix         = "taskboard.todo."
)

// requestMetrics collects per-request timings and reports them as a span
// plus one structured log entry. All methods accept a nil receiver.
type requestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	method        string
	route         string
	start         time.Time
	storeDuration time.Duration
	tasksReturned int
	errorStage    string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.method", method)),
	)
	return &requestMetrics{
		logger: logger,
		span:   span,
		method: method,
		route:  route,
		start:  time.Now(),
	}, ctx
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.storeDuration += d
}

func (m *requestMetrics) SetTasksReturned(count int) {
	if m == nil {
		return
	}
	m.tasksReturned = max(count, 0)
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	defer m.span.End()

	total := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":                  m.route,
		"http.method":                 m.method,
		"http.status_code":            status,
		attrPrefix + "total_ms":       total,
		attrPrefix + "tasks_returned": m.tasksReturned,
	}
	eventAttrs := []attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
		attribute.Float64(attrPrefix+"total_ms", total),
		attribute.Int(attrPrefix+"tasks_returned", m.tasksReturned),
	}
	spanAttrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
	}
	if m.storeDuration > 0 {
		storeMs := durationToMillis(m.storeDuration)
		attrs[attrPrefix+"store_ms"] = storeMs
		eventAttrs = append(eventAttrs, attribute.Float64(attrPrefix+"store_ms", storeMs))
	}
	if m.errorStage != "" {
		attrs[attrPrefix+"error_stage"] = m.errorStage
		eventAttrs = append(eventAttrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
		spanAttrs = append(spanAttrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
	}
	if err != nil {
		attrs["error.message"] = err.Error()
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(spanAttrs...)
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
	switch {
	case err != nil:
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}

	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	switch severityNumber {
	case 17:
		entry.Error(observabilityEvent)
	case 13:
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
