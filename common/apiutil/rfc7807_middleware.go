package apiutil

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	problems "github.com/Aidin1998/bidengine/common/errors"
)

// RFC7807ErrorMiddleware renders errors attached with c.Error as problem
// details when the handler wrote nothing itself.
func RFC7807ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		last := c.Errors.Last()
		var pd *problems.ProblemDetails
		if last.Type == gin.ErrorTypeBind {
			pd = problems.NewValidationError("Request binding failed: "+last.Error(), c.Request.URL.Path)
		} else {
			pd = problems.FromError(last.Err, c.Request.URL.Path)
		}
		RFC7807ErrorResponse(c, pd)
	}
}

// GetTraceID returns the id of the request's trace, falling back to the
// X-Trace-ID header.
func GetTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return c.GetHeader("X-Trace-ID")
}

// RFC7807ErrorResponse writes an RFC 7807 compliant error response
func RFC7807ErrorResponse(c *gin.Context, problemDetails *problems.ProblemDetails) {
	if problemDetails.TraceID == "" {
		if traceID := GetTraceID(c); traceID != "" {
			problemDetails.WithTraceID(traceID)
		}
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problemDetails.Status, problemDetails)
}
