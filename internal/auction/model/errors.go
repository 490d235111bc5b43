package model

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable rejection code surfaced to callers.
type Reason string

const (
	ReasonAuctionNotLive     Reason = "AuctionNotLive"
	ReasonAmountBelowMinimum Reason = "AmountBelowMinimum"
	ReasonAuctionClosed      Reason = "AuctionClosed"
	ReasonDuplicate          Reason = "DuplicateSubmission"
	ReasonAuctionNotFound    Reason = "AuctionNotFound"
	ReasonTimeout            Reason = "Timeout"
	ReasonInvalidRequest     Reason = "InvalidRequest"
	ReasonAuctionNotEnded    Reason = "AuctionNotEnded"
	ReasonAuctionExists      Reason = "AuctionExists"
	ReasonPersistence        Reason = "PersistenceFailure"
)

// Rejection is returned for every refused command. It matches any other
// Rejection with the same Reason under errors.Is.
type Rejection struct {
	Reason Reason
	Detail string
	Err    error
}

func (r *Rejection) Error() string {
	switch {
	case r.Detail != "" && r.Err != nil:
		return fmt.Sprintf("%s: %s: %v", r.Reason, r.Detail, r.Err)
	case r.Detail != "":
		return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return string(r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

// Sentinels for errors.Is.
var (
	ErrAuctionNotLive     = &Rejection{Reason: ReasonAuctionNotLive}
	ErrAmountBelowMinimum = &Rejection{Reason: ReasonAmountBelowMinimum}
	ErrAuctionClosed      = &Rejection{Reason: ReasonAuctionClosed}
	ErrDuplicate          = &Rejection{Reason: ReasonDuplicate}
	ErrAuctionNotFound    = &Rejection{Reason: ReasonAuctionNotFound}
	ErrTimeout            = &Rejection{Reason: ReasonTimeout}
	ErrInvalidRequest     = &Rejection{Reason: ReasonInvalidRequest}
	ErrAuctionNotEnded    = &Rejection{Reason: ReasonAuctionNotEnded}
	ErrAuctionExists      = &Rejection{Reason: ReasonAuctionExists}
	ErrPersistence        = &Rejection{Reason: ReasonPersistence}
)

// Reject builds a Rejection with a formatted detail.
func Reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches reason to an underlying error.
func Wrap(reason Reason, err error) *Rejection {
	return &Rejection{Reason: reason, Err: err}
}

// ReasonOf extracts the rejection reason of err, or "" if err is not a Rejection.
func ReasonOf(err error) Reason {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return ""
}
