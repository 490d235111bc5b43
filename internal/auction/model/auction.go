package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of minor-unit decimals every amount carries.
const AmountScale int32 = 2

// MinorUnit is the smallest representable amount.
var MinorUnit = decimal.New(1, -AmountScale)

// IsValidAmount reports whether d is non-negative with at most AmountScale decimals.
func IsValidAmount(d decimal.Decimal) bool {
	return !d.IsNegative() && d.Equal(d.Truncate(AmountScale))
}

// Status is the auction lifecycle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusExtended  Status = "extended"
	StatusClosed    Status = "closed"
	StatusCancelled Status = "cancelled"
)

// Open reports whether the auction accepts bids (subject to end time).
func (s Status) Open() bool { return s == StatusLive || s == StatusExtended }

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusCancelled }

var transitions = map[Status][]Status{
	StatusScheduled: {StatusLive, StatusCancelled},
	StatusLive:      {StatusExtended, StatusClosed, StatusCancelled},
	StatusExtended:  {StatusExtended, StatusClosed, StatusCancelled},
}

// CanTransition reports whether from -> to is an allowed lifecycle move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Auction is the derived state of one auction. It is a value type; the
// sequencer replaces it wholesale on every commit.
type Auction struct {
	ID              string
	Status          Status
	StartTime       time.Time
	EndTime         time.Time
	Increment       IncrementSchedule
	ReservePrice    decimal.NullDecimal
	StartingPrice   decimal.Decimal
	CurrentPrice    decimal.Decimal
	CurrentWinnerID string
	ExtensionWindow time.Duration
	BidCount        int
	LastSeq         uint64
	EventSeq        uint64
	Version         uint64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NextMinBid is currentPrice + minIncrement(currentPrice).
func (a Auction) NextMinBid() decimal.Decimal {
	return a.Increment.NextMin(a.CurrentPrice)
}

// HasWinner reports whether any bid has been accepted.
func (a Auction) HasWinner() bool { return a.CurrentWinnerID != "" }

// ReserveMet is true when there is no reserve or the price reached it.
func (a Auction) ReserveMet() bool {
	if !a.ReservePrice.Valid {
		return true
	}
	return a.HasWinner() && a.CurrentPrice.GreaterThanOrEqual(a.ReservePrice.Decimal)
}

// Snapshot is the public view of an auction. It never carries proxy ceilings
// or the reserve amount.
type Snapshot struct {
	AuctionID       string          `json:"auction_id"`
	Status          Status          `json:"status"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	CurrentWinnerID string          `json:"current_winner_id,omitempty"`
	NextMinBid      decimal.Decimal `json:"next_min_bid"`
	HasReserve      bool            `json:"has_reserve"`
	ReserveMet      bool            `json:"reserve_met"`
	BidCount        int             `json:"bid_count"`
	LastSeq         uint64          `json:"last_seq"`
	Version         uint64          `json:"version"`
}

// Snapshot returns the public view of a.
func (a Auction) Snapshot() Snapshot {
	return Snapshot{
		AuctionID:       a.ID,
		Status:          a.Status,
		StartTime:       a.StartTime,
		EndTime:         a.EndTime,
		CurrentPrice:    a.CurrentPrice,
		CurrentWinnerID: a.CurrentWinnerID,
		NextMinBid:      a.NextMinBid(),
		HasReserve:      a.ReservePrice.Valid,
		ReserveMet:      a.ReserveMet(),
		BidCount:        a.BidCount,
		LastSeq:         a.LastSeq,
		Version:         a.Version,
	}
}

// FinalState is returned by closeAuction.
type FinalState struct {
	Snapshot   Snapshot        `json:"snapshot"`
	WinnerID   string          `json:"winner_id,omitempty"`
	FinalPrice decimal.Decimal `json:"final_price"`
	ReserveMet bool            `json:"reserve_met"`
	Sold       bool            `json:"sold"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// Final builds the closing summary of a.
func (a Auction) Final(at time.Time) FinalState {
	met := a.ReserveMet()
	return FinalState{
		Snapshot:   a.Snapshot(),
		WinnerID:   a.CurrentWinnerID,
		FinalPrice: a.CurrentPrice,
		ReserveMet: met,
		Sold:       a.Status == StatusClosed && a.HasWinner() && met,
		ClosedAt:   at,
	}
}

// Spec describes an auction to register with the engine.
type Spec struct {
	ID              string
	StartTime       time.Time
	EndTime         time.Time
	Increment       IncrementSchedule
	ReservePrice    decimal.NullDecimal
	StartingPrice   decimal.Decimal
	ExtensionWindow time.Duration
}

// Validate checks a Spec before it is registered.
func (s Spec) Validate() error {
	if s.ID == "" {
		return Reject(ReasonInvalidRequest, "auction id is required")
	}
	if !s.EndTime.After(s.StartTime) {
		return Reject(ReasonInvalidRequest, "end time must be after start time")
	}
	if !IsValidAmount(s.StartingPrice) {
		return Reject(ReasonInvalidRequest, "starting price %s is not a valid amount", s.StartingPrice)
	}
	if s.ReservePrice.Valid && !IsValidAmount(s.ReservePrice.Decimal) {
		return Reject(ReasonInvalidRequest, "reserve price %s is not a valid amount", s.ReservePrice.Decimal)
	}
	if s.ExtensionWindow < 0 {
		return Reject(ReasonInvalidRequest, "extension window must not be negative")
	}
	if err := s.Increment.Validate(); err != nil {
		return Wrap(ReasonInvalidRequest, err)
	}
	return nil
}

// NewAuction builds the initial state for s. The auction is Live when
// startTime has already passed.
func NewAuction(s Spec, now time.Time) Auction {
	status := StatusScheduled
	if !now.Before(s.StartTime) {
		status = StatusLive
	}
	return Auction{
		ID:              s.ID,
		Status:          status,
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		Increment:       s.Increment,
		ReservePrice:    s.ReservePrice,
		StartingPrice:   s.StartingPrice,
		CurrentPrice:    s.StartingPrice,
		ExtensionWindow: s.ExtensionWindow,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
