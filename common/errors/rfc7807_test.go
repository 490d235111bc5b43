package errors

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

func TestFromErrorMapsReasons(t *testing.T) {
	tests := []struct {
		err    error
		status int
		typ    string
	}{
		{model.Reject(model.ReasonInvalidRequest, "bidder id is required"), http.StatusBadRequest, TypeValidationError},
		{model.Reject(model.ReasonAmountBelowMinimum, "need 30.00"), http.StatusUnprocessableEntity, TypeAmountBelowMinimum},
		{model.Reject(model.ReasonAuctionNotFound, "lot-9"), http.StatusNotFound, TypeNotFound},
		{model.Reject(model.ReasonAuctionClosed, "lot-1 is closed"), http.StatusConflict, TypeAuctionClosed},
		{model.Reject(model.ReasonDuplicate, "key used"), http.StatusConflict, TypeDuplicate},
		{model.Wrap(model.ReasonTimeout, fmt.Errorf("queue full")), http.StatusServiceUnavailable, TypeTimeout},
	}
	for _, tt := range tests {
		t.Run(string(model.ReasonOf(tt.err)), func(t *testing.T) {
			p := FromError(fmt.Errorf("submit: %w", tt.err), "/api/v1/auctions/lot-1/bids")
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, model.ReasonOf(tt.err), p.Reason)
			assert.Equal(t, "/api/v1/auctions/lot-1/bids", p.Instance)
		})
	}
}

func TestFromErrorHidesInternals(t *testing.T) {
	p := FromError(model.Wrap(model.ReasonPersistence, io.ErrUnexpectedEOF), "/x")
	assert.Equal(t, http.StatusInternalServerError, p.Status)
	assert.NotContains(t, p.Detail, "EOF")

	p = FromError(fmt.Errorf("boom"), "/x")
	assert.Equal(t, TypeInternalError, p.Type)
	assert.Empty(t, p.Reason)
	assert.NotContains(t, p.Detail, "boom")
}

func TestProblemDetailsBuilders(t *testing.T) {
	p := NewValidationError("bad body", "/x").
		WithTraceID("abc").
		AddValidationError("amount", "is required", "required")
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "abc", p.TraceID)
	assert.Equal(t, "Validation Error: bad body", p.Error())
	assert.Equal(t, http.StatusConflict, StatusFor(model.ReasonAuctionNotEnded))
	assert.Equal(t, http.StatusInternalServerError, StatusFor("Unknown"))
}
