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
	tracerName       = "tarefas/api"
	tasksEventDomain = "tarefas.tasks"
	attrPrefix       = "tarefas.tasks."
)

// requestMetrics times one tasks request and reports it both as a span and
// as a structured observability.event log line.
type requestMetrics struct {
	logger     *log.Logger
	route      string
	event      string
	start      time.Time
	span       trace.Span
	attrs      []attribute.KeyValue
	errorStage string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route, event string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, event, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		route:  route,
		event:  event,
		start:  time.Now(),
		span:   span,
	}, ctx
}

func (m *requestMetrics) SetInt(name string, v int) {
	m.attrs = append(m.attrs, attribute.Int(attrPrefix+name, v))
}

func (m *requestMetrics) SetBool(name string, v bool) {
	m.attrs = append(m.attrs, attribute.Bool(attrPrefix+name, v))
}

func (m *requestMetrics) SetString(name, v string) {
	m.attrs = append(m.attrs, attribute.String(attrPrefix+name, v))
}

func (m *requestMetrics) ObserveDuration(name string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.attrs = append(m.attrs, attribute.Float64(attrPrefix+name+"_ms", durationToMillis(d)))
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and emits the log entry.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	attrs := append([]attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64(attrPrefix+"total_ms", durationToMillis(time.Since(m.start))),
	}, m.attrs...)
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
	}
	m.span.SetAttributes(attrs...)

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", m.event),
		attribute.String("event.domain", tasksEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}
	m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))

	switch {
	case err != nil:
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	case status >= http.StatusInternalServerError:
		m.span.SetStatus(codes.Error, http.StatusText(status))
	default:
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	logged := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		logged[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      m.event,
		"event.domain":    tasksEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      logged,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		fields["span_id"] = sc.SpanID().String()
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityNumber), "observability.event")
}

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

func levelForSeverity(n int) log.Level {
	switch {
	case n >= 17:
		return log.ErrorLevel
	case n >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
