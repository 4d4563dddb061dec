package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes added on top of the HTTP semantic ones.
const (
	AttrOwnerKind = "historia.owner.kind"
	AttrTaskID    = "historia.task_id"
	AttrRequestID = "historia.request_id"
)

// TracingMiddleware extracts W3C trace context and starts one span per
// request. The span is tagged with the kind of caller (user, anonymous or
// none) once the owner has been resolved further down the chain, and with
// the task the request addresses when there is one. Identities themselves
// never go on spans.
func TracingMiddleware(serviceName string) gin.HandlerFunc {
	if strings.TrimSpace(serviceName) == "" {
		serviceName = "historia"
	}
	tracer := otel.Tracer(serviceName + "/http")

	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, "HTTP "+c.Request.Method+" "+c.Request.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.path", c.Request.URL.Path),
			),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		if route := c.FullPath(); route != "" {
			span.SetName("HTTP " + c.Request.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		span.SetAttributes(
			attribute.Int("http.status_code", status),
			attribute.String(AttrOwnerKind, ownerKind(c)),
		)
		if id := taskIDOf(c); id != "" {
			span.SetAttributes(attribute.String(AttrTaskID, id))
		}
		if id := RequestIDFromContext(c.Request.Context()); id != "" {
			span.SetAttributes(attribute.String(AttrRequestID, id))
		}
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
	}
}

func ownerKind(c *gin.Context) string {
	owner, ok := GetOwner(c)
	switch {
	case !ok:
		return "none"
	case owner.IsUser():
		return "user"
	default:
		return "anonymous"
	}
}

// taskIDOf reads the task a research route addresses. Share tokens grant
// read access and stay off spans.
func taskIDOf(c *gin.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return strings.TrimSpace(c.Query("taskId"))
}
