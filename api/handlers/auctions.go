// Package handlers contains the HTTP handlers for the auction engine.
package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/bidengine/api/responses"
	"github.com/Aidin1998/bidengine/common/apiutil"
	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/internal/auction/sequencer"
	"github.com/Aidin1998/bidengine/pkg/metrics"
)

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

const maxEventPage = 500

// Engine is the part of sequencer.Manager the handlers drive.
type Engine interface {
	Open(ctx context.Context, spec model.Spec) (model.Snapshot, error)
	Snapshot(ctx context.Context, auctionID string) (model.Snapshot, error)
	Bids(ctx context.Context, auctionID string) ([]model.Bid, error)
	Events(ctx context.Context, auctionID string, afterSeq uint64, limit int) ([]model.Event, error)
	SubmitManualBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal, key string) (sequencer.BidResult, error)
	SubmitProxyBid(ctx context.Context, auctionID, bidderID string, maxAmount decimal.Decimal, isPriority bool, key string) (sequencer.ProxyResult, error)
	CloseAuction(ctx context.Context, auctionID string) (model.FinalState, error)
	CancelAuction(ctx context.Context, auctionID, actor string) (model.FinalState, error)
}

// Options tunes the auction handlers.
type Options struct {
	// RetryAttempts bounds retries of Timeout rejections for requests that
	// carry an idempotency key.
	RetryAttempts int
	RetryBase     time.Duration
	// ExtensionWindow applies when an open request omits it.
	ExtensionWindow time.Duration
}

// AuctionHandler serves /auctions.
type AuctionHandler struct {
	engine    Engine
	opts      Options
	validator *apiutil.Validator
	logger    *zap.Logger
}

// NewAuctionHandler creates the handler.
func NewAuctionHandler(engine Engine, opts Options, logger *zap.Logger) *AuctionHandler {
	if opts.RetryBase <= 0 {
		opts.RetryBase = 50 * time.Millisecond
	}
	return &AuctionHandler{
		engine:    engine,
		opts:      opts,
		validator: apiutil.NewValidator(),
		logger:    logger,
	}
}

// Register mounts the routes on rg.
func (h *AuctionHandler) Register(rg *gin.RouterGroup) {
	auctions := rg.Group("/auctions")
	{
		auctions.POST("", h.Open)
		auctions.GET("/:id", h.Get)
		auctions.GET("/:id/bids", h.ListBids)
		auctions.GET("/:id/events", h.ListEvents)
		auctions.POST("/:id/bids", h.PlaceBid)
		auctions.POST("/:id/proxy-bids", h.PlaceProxyBid)
		auctions.POST("/:id/close", h.Close)
		auctions.POST("/:id/cancel", h.Cancel)
	}
}

// OpenAuctionRequest registers an auction.
type OpenAuctionRequest struct {
	AuctionID     string                   `json:"auction_id" validate:"required,max=128"`
	StartTime     time.Time                `json:"start_time" validate:"required"`
	EndTime       time.Time                `json:"end_time" validate:"required,gtfield=StartTime"`
	StartingPrice decimal.Decimal          `json:"starting_price"`
	ReservePrice  decimal.NullDecimal      `json:"reserve_price"`
	Increment     *model.IncrementSchedule `json:"increment" validate:"required"`
	// ExtensionWindow is a Go duration such as "2m"; "0s" disables extension.
	ExtensionWindow *string `json:"extension_window"`
}

// BidRequest places a manual bid.
type BidRequest struct {
	BidderID string          `json:"bidder_id" validate:"required,max=128"`
	Amount   decimal.Decimal `json:"amount"`
}

// ProxyBidRequest registers a proxy ceiling.
type ProxyBidRequest struct {
	BidderID   string          `json:"bidder_id" validate:"required,max=128"`
	MaxAmount  decimal.Decimal `json:"max_amount"`
	IsPriority bool            `json:"is_priority"`
}

// CancelRequest names who cancels the auction.
type CancelRequest struct {
	Actor string `json:"actor" validate:"required,max=128"`
}

func (h *AuctionHandler) bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		responses.BadRequest(c, "invalid request body: "+err.Error())
		return false
	}
	if pd := h.validator.Validate(req, c.Request.URL.Path); pd != nil {
		apiutil.RFC7807ErrorResponse(c, pd)
		return false
	}
	return true
}

// Open handles POST /auctions.
func (h *AuctionHandler) Open(c *gin.Context) {
	var req OpenAuctionRequest
	if !h.bind(c, &req) {
		return
	}
	window := h.opts.ExtensionWindow
	if req.ExtensionWindow != nil {
		d, err := time.ParseDuration(*req.ExtensionWindow)
		if err != nil {
			responses.BadRequest(c, "extension_window: "+err.Error())
			return
		}
		window = d
	}
	snap, err := h.engine.Open(c.Request.Context(), model.Spec{
		ID:              req.AuctionID,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Increment:       *req.Increment,
		ReservePrice:    req.ReservePrice,
		StartingPrice:   req.StartingPrice,
		ExtensionWindow: window,
	})
	if err != nil {
		h.fail(c, "open", err)
		return
	}
	responses.Created(c, snap, "Auction opened")
}

// Get handles GET /auctions/:id.
func (h *AuctionHandler) Get(c *gin.Context) {
	snap, err := h.engine.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "snapshot", err)
		return
	}
	responses.Success(c, snap)
}

// ListBids handles GET /auctions/:id/bids.
func (h *AuctionHandler) ListBids(c *gin.Context) {
	bids, err := h.engine.Bids(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "bids", err)
		return
	}
	responses.Success(c, bids)
}

// ListEvents handles GET /auctions/:id/events?after=N&limit=M.
func (h *AuctionHandler) ListEvents(c *gin.Context) {
	after, err := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil {
		responses.BadRequest(c, "after must be a non-negative integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		responses.BadRequest(c, "limit must be a positive integer")
		return
	}
	if limit > maxEventPage {
		limit = maxEventPage
	}
	events, err := h.engine.Events(c.Request.Context(), c.Param("id"), after, limit)
	if err != nil {
		h.fail(c, "events", err)
		return
	}
	responses.Success(c, events)
}

// PlaceBid handles POST /auctions/:id/bids.
func (h *AuctionHandler) PlaceBid(c *gin.Context) {
	var req BidRequest
	if !h.bind(c, &req) {
		return
	}
	id, key := c.Param("id"), c.GetHeader(IdempotencyHeader)
	res, err := retry(c.Request.Context(), h, "manual_bid", key, func() (sequencer.BidResult, error) {
		return h.engine.SubmitManualBid(c.Request.Context(), id, req.BidderID, req.Amount, key)
	})
	if err != nil {
		h.fail(c, "manual_bid", err)
		return
	}
	responses.Created(c, res, "Bid accepted")
}

// PlaceProxyBid handles POST /auctions/:id/proxy-bids. The response carries
// the caller's own ceiling; events never do.
func (h *AuctionHandler) PlaceProxyBid(c *gin.Context) {
	var req ProxyBidRequest
	if !h.bind(c, &req) {
		return
	}
	id, key := c.Param("id"), c.GetHeader(IdempotencyHeader)
	res, err := retry(c.Request.Context(), h, "proxy_bid", key, func() (sequencer.ProxyResult, error) {
		return h.engine.SubmitProxyBid(c.Request.Context(), id, req.BidderID, req.MaxAmount, req.IsPriority, key)
	})
	if err != nil {
		h.fail(c, "proxy_bid", err)
		return
	}
	responses.Created(c, res, "Proxy bid accepted")
}

// Close handles POST /auctions/:id/close.
func (h *AuctionHandler) Close(c *gin.Context) {
	final, err := h.engine.CloseAuction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "close", err)
		return
	}
	responses.Success(c, final, "Auction closed")
}

// Cancel handles POST /auctions/:id/cancel.
func (h *AuctionHandler) Cancel(c *gin.Context) {
	var req CancelRequest
	if !h.bind(c, &req) {
		return
	}
	final, err := h.engine.CancelAuction(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		h.fail(c, "cancel", err)
		return
	}
	responses.Success(c, final, "Auction cancelled")
}

func (h *AuctionHandler) fail(c *gin.Context, op string, err error) {
	reason := model.ReasonOf(err)
	if reason == "" || reason == model.ReasonPersistence {
		h.logger.Error("Auction request failed",
			zap.String("op", op),
			zap.String("auction_id", c.Param("id")),
			zap.Error(err))
	} else {
		h.logger.Debug("Auction request rejected",
			zap.String("op", op),
			zap.String("reason", string(reason)),
			zap.Error(err))
	}
	responses.Error(c, err)
}

// retry re-submits fn after Timeout rejections. Only keyed requests are
// retried: a timed-out command never ran, and the key stops a late duplicate.
func retry[T any](ctx context.Context, h *AuctionHandler, op, key string, fn func() (T, error)) (T, error) {
	res, err := fn()
	if key == "" {
		return res, err
	}
	backoff := h.opts.RetryBase
	for attempt := 0; attempt < h.opts.RetryAttempts && model.ReasonOf(err) == model.ReasonTimeout; attempt++ {
		if ctx.Err() != nil {
			return res, err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, err
		case <-t.C:
		}
		metrics.APIRetries.WithLabelValues(op).Inc()
		h.logger.Debug("Retrying timed out submission", zap.String("op", op), zap.Int("attempt", attempt+1))
		backoff *= 2
		res, err = fn()
	}
	return res, err
}
