// Package antisnipe pushes the close time of an auction when bids land near
// the deadline.
package antisnipe

import (
	"time"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

// Extend applies the extension rule for a bid accepted at acceptedAt. It
// returns the updated auction and whether endTime moved. endTime never shrinks.
func Extend(a model.Auction, acceptedAt time.Time) (model.Auction, bool) {
	window := a.ExtensionWindow
	if window <= 0 || !a.Status.Open() {
		return a, false
	}
	if a.EndTime.Sub(acceptedAt) >= window {
		return a, false
	}
	end := acceptedAt.Add(window)
	if !end.After(a.EndTime) {
		return a, false
	}
	a.EndTime = end
	a.Status = model.StatusExtended
	return a, true
}

// Expired reports whether the auction should be closed at now.
func Expired(a model.Auction, now time.Time) bool {
	return a.Status.Open() && !now.Before(a.EndTime)
}
