package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

// ProblemDetails represents RFC 7807 compliant error response
// RFC 7807: Problem Details for HTTP APIs
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence of the problem
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Reason is the engine rejection code, when there is one
	Reason    model.Reason `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	TraceID   string       `json:"traceId,omitempty"`
	// Errors contains field-specific validation errors
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents field-specific validation errors
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Standard error types with URIs
const (
	TypeValidationError    = "https://api.bidengine.io/errors/validation-error"
	TypeNotFound           = "https://api.bidengine.io/errors/not-found"
	TypeInternalError      = "https://api.bidengine.io/errors/internal-error"
	TypeServiceUnavailable = "https://api.bidengine.io/errors/service-unavailable"
	TypeAmountBelowMinimum = "https://api.bidengine.io/errors/amount-below-minimum"
	TypeAuctionNotLive     = "https://api.bidengine.io/errors/auction-not-live"
	TypeAuctionClosed      = "https://api.bidengine.io/errors/auction-closed"
	TypeAuctionNotEnded    = "https://api.bidengine.io/errors/auction-not-ended"
	TypeAuctionExists      = "https://api.bidengine.io/errors/auction-exists"
	TypeDuplicate          = "https://api.bidengine.io/errors/duplicate-submission"
	TypeTimeout            = "https://api.bidengine.io/errors/timeout"
	TypePersistence        = "https://api.bidengine.io/errors/persistence-failure"
)

type problemType struct {
	uri    string
	title  string
	status int
}

var reasonTypes = map[model.Reason]problemType{
	model.ReasonInvalidRequest:     {TypeValidationError, "Validation Error", http.StatusBadRequest},
	model.ReasonAmountBelowMinimum: {TypeAmountBelowMinimum, "Amount Below Minimum", http.StatusUnprocessableEntity},
	model.ReasonAuctionNotFound:    {TypeNotFound, "Auction Not Found", http.StatusNotFound},
	model.ReasonAuctionNotLive:     {TypeAuctionNotLive, "Auction Not Live", http.StatusConflict},
	model.ReasonAuctionClosed:      {TypeAuctionClosed, "Auction Closed", http.StatusConflict},
	model.ReasonAuctionNotEnded:    {TypeAuctionNotEnded, "Auction Not Ended", http.StatusConflict},
	model.ReasonAuctionExists:      {TypeAuctionExists, "Auction Exists", http.StatusConflict},
	model.ReasonDuplicate:          {TypeDuplicate, "Duplicate Submission", http.StatusConflict},
	model.ReasonTimeout:            {TypeTimeout, "Timeout", http.StatusServiceUnavailable},
	model.ReasonPersistence:        {TypePersistence, "Persistence Failure", http.StatusInternalServerError},
}

// NewProblemDetails creates a new RFC 7807 compliant problem details
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

// WithTraceID adds trace ID to problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithValidationErrors adds validation errors to problem details
func (p *ProblemDetails) WithValidationErrors(errors []ValidationError) *ProblemDetails {
	p.Errors = append(p.Errors, errors...)
	return p
}

// AddValidationError adds a single validation error
func (p *ProblemDetails) AddValidationError(field, message, code string) *ProblemDetails {
	p.Errors = append(p.Errors, ValidationError{Field: field, Message: message, Code: code})
	return p
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// NewValidationError creates a validation error problem details
func NewValidationError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeValidationError, "Validation Error", http.StatusBadRequest, detail, instance)
}

// NewNotFoundError creates a not found error problem details
func NewNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeNotFound, "Resource Not Found", http.StatusNotFound, detail, instance)
}

// NewInternalError creates an internal server error problem details
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, "Internal Server Error", http.StatusInternalServerError, detail, instance)
}

// FromError converts an engine error into problem details. Errors that are
// not rejections become a 500 without leaking their text.
func FromError(err error, instance string) *ProblemDetails {
	var p *ProblemDetails
	if stderrors.As(err, &p) {
		return p
	}
	var r *model.Rejection
	if !stderrors.As(err, &r) {
		return NewInternalError("An internal error occurred", instance)
	}
	t, ok := reasonTypes[r.Reason]
	if !ok {
		t = problemType{TypeInternalError, "Internal Server Error", http.StatusInternalServerError}
	}
	detail := r.Detail
	if detail == "" {
		detail = string(r.Reason)
	}
	// store failures are reported by reason only
	if r.Reason == model.ReasonPersistence {
		detail = "the bid could not be persisted; nothing was recorded"
	}
	pd := NewProblemDetails(t.uri, t.title, t.status, detail, instance)
	pd.Reason = r.Reason
	return pd
}

// StatusFor returns the HTTP status a rejection reason maps to.
func StatusFor(reason model.Reason) int {
	if t, ok := reasonTypes[reason]; ok {
		return t.status
	}
	return http.StatusInternalServerError
}
