package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/bidengine/internal/auction/model"
)

// AuctionRow is the auctions table.
type AuctionRow struct {
	ID                string              `gorm:"primaryKey;type:varchar(64)"`
	Status            string              `gorm:"type:varchar(16);index;not null"`
	StartTime         time.Time           `gorm:"not null"`
	EndTime           time.Time           `gorm:"index;not null"`
	Increment         string              `gorm:"type:text;not null"`
	ReservePrice      decimal.NullDecimal `gorm:"type:numeric(20,2)"`
	StartingPrice     decimal.Decimal     `gorm:"type:numeric(20,2);not null"`
	CurrentPrice      decimal.Decimal     `gorm:"type:numeric(20,2);not null"`
	CurrentWinnerID   string              `gorm:"type:varchar(64)"`
	ExtensionWindowMs int64
	BidCount          int
	LastSeq           uint64
	EventSeq          uint64
	Version           uint64 `gorm:"not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (AuctionRow) TableName() string { return "auctions" }

// BidRow is the append-only ledger table.
type BidRow struct {
	ID                string          `gorm:"primaryKey;type:varchar(36)"`
	AuctionID         string          `gorm:"type:varchar(64);not null;uniqueIndex:idx_bids_auction_seq,priority:1;uniqueIndex:idx_bids_auction_key,priority:1"`
	Seq               uint64          `gorm:"not null;uniqueIndex:idx_bids_auction_seq,priority:2"`
	BidderID          string          `gorm:"type:varchar(64);not null"`
	Amount            decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Kind              string          `gorm:"type:varchar(20);not null"`
	AcceptedAt        time.Time       `gorm:"not null"`
	TriggeringProxyID *string         `gorm:"type:varchar(36)"`
	IdempotencyKey    *string         `gorm:"type:varchar(128);uniqueIndex:idx_bids_auction_key,priority:2"`
}

func (BidRow) TableName() string { return "bids" }

// ProxyRow is the proxy ceiling table.
type ProxyRow struct {
	ID                string          `gorm:"primaryKey;type:varchar(36)"`
	AuctionID         string          `gorm:"type:varchar(64);not null;index;uniqueIndex:idx_proxies_auction_key,priority:1"`
	BidderID          string          `gorm:"type:varchar(64);not null"`
	MaxAmount         decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	IsPriority        bool
	SubmittedAt       time.Time `gorm:"not null"`
	SubmittedSeq      uint64
	Active            bool
	DeactivatedReason string  `gorm:"type:varchar(20)"`
	IdempotencyKey    *string `gorm:"type:varchar(128);uniqueIndex:idx_proxies_auction_key,priority:2"`
}

func (ProxyRow) TableName() string { return "proxy_bids" }

// EventRow is the event outbox.
type EventRow struct {
	ID         string    `gorm:"primaryKey;type:varchar(36)"`
	AuctionID  string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_events_auction_seq,priority:1"`
	Seq        uint64    `gorm:"not null;uniqueIndex:idx_events_auction_seq,priority:2"`
	Type       string    `gorm:"type:varchar(32);not null"`
	Payload    string    `gorm:"type:text;not null"`
	OccurredAt time.Time `gorm:"not null"`
}

func (EventRow) TableName() string { return "auction_events" }

// GormStore implements Store on any GORM dialector. On PostgreSQL the
// auction row is locked with SELECT ... FOR UPDATE for the duration of a commit.
type GormStore struct {
	db       *gorm.DB
	logger   *zap.Logger
	lockRows bool
}

// NewGormStore wraps db.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		db:       db,
		logger:   logger,
		lockRows: db.Dialector.Name() != "sqlite",
	}
}

// Migrate creates or updates the schema.
func (s *GormStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&AuctionRow{}, &BidRow{}, &ProxyRow{}, &EventRow{}); err != nil {
		return fmt.Errorf("failed to migrate auction schema: %w", err)
	}
	// at most one active proxy per bidder
	if err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_proxies_one_active ON proxy_bids (auction_id, bidder_id) WHERE active").Error; err != nil {
		return fmt.Errorf("failed to create active proxy index: %w", err)
	}
	return nil
}

func (s *GormStore) CreateAuction(ctx context.Context, a model.Auction, events []model.Event) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := toAuctionRow(a)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return insertEvents(tx, events)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create %s: %w", a.ID, ErrAuctionExists)
		}
		return fmt.Errorf("failed to create auction %s: %w", a.ID, err)
	}
	return nil
}

func (s *GormStore) Commit(ctx context.Context, c Commit) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if s.lockRows {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var current AuctionRow
		if err := q.Where("id = ?", c.Auction.ID).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if current.Version != c.ExpectedVersion {
			return fmt.Errorf("expected version %d, stored %d: %w", c.ExpectedVersion, current.Version, ErrVersionConflict)
		}

		if len(c.Bids) > 0 {
			rows := make([]BidRow, len(c.Bids))
			for i, b := range c.Bids {
				rows[i] = toBidRow(b)
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		// row by row so a superseded proxy is inactive before its successor lands
		for _, p := range c.Proxies {
			row := toProxyRow(p)
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"active", "deactivated_reason"}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		if err := insertEvents(tx, c.Events); err != nil {
			return err
		}
		row := toAuctionRow(c.Auction)
		return tx.Save(&row).Error
	})
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionConflict):
		return fmt.Errorf("commit %s: %w", c.Auction.ID, err)
	case isUniqueViolation(err):
		s.logger.Warn("Commit rejected by unique constraint", zap.String("auction_id", c.Auction.ID), zap.Error(err))
		return fmt.Errorf("commit %s: %w", c.Auction.ID, ErrDuplicate)
	}
	return fmt.Errorf("failed to commit auction %s: %w", c.Auction.ID, err)
}

func insertEvents(tx *gorm.DB, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]EventRow, len(events))
	for i, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", e.Seq, err)
		}
		rows[i] = EventRow{
			ID:         e.ID.String(),
			AuctionID:  e.AuctionID,
			Seq:        e.Seq,
			Type:       string(e.Type),
			Payload:    string(payload),
			OccurredAt: e.OccurredAt,
		}
	}
	return tx.Create(&rows).Error
}

func (s *GormStore) GetAuction(ctx context.Context, id string) (model.Auction, error) {
	var row AuctionRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.Auction{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
		}
		return model.Auction{}, fmt.Errorf("failed to get auction %s: %w", id, err)
	}
	return fromAuctionRow(row)
}

func (s *GormStore) ListAuctions(ctx context.Context, statuses ...model.Status) ([]model.Auction, error) {
	q := s.db.WithContext(ctx).Order("id")
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		q = q.Where("status IN ?", names)
	}
	var rows []AuctionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list auctions: %w", err)
	}
	out := make([]model.Auction, 0, len(rows))
	for _, r := range rows {
		a, err := fromAuctionRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *GormStore) ListBids(ctx context.Context, auctionID string) ([]model.Bid, error) {
	var rows []BidRow
	if err := s.db.WithContext(ctx).Where("auction_id = ?", auctionID).Order("seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list bids for %s: %w", auctionID, err)
	}
	out := make([]model.Bid, 0, len(rows))
	for _, r := range rows {
		b, err := fromBidRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *GormStore) ListProxies(ctx context.Context, auctionID string, activeOnly bool) ([]model.ProxyBid, error) {
	q := s.db.WithContext(ctx).Where("auction_id = ?", auctionID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var rows []ProxyRow
	if err := q.Order("submitted_seq").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list proxies for %s: %w", auctionID, err)
	}
	out := make([]model.ProxyBid, 0, len(rows))
	for _, r := range rows {
		p, err := fromProxyRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *GormStore) EventsSince(ctx context.Context, auctionID string, afterSeq uint64, limit int) ([]model.Event, error) {
	q := s.db.WithContext(ctx).Where("auction_id = ? AND seq > ?", auctionID, afterSeq).Order("seq")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []EventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", auctionID, err)
	}
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		var e model.Event
		if err := json.Unmarshal([]byte(r.Payload), &e); err != nil {
			return nil, fmt.Errorf("failed to decode event %s/%d: %w", auctionID, r.Seq, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toAuctionRow(a model.Auction) AuctionRow {
	return AuctionRow{
		ID:                a.ID,
		Status:            string(a.Status),
		StartTime:         a.StartTime,
		EndTime:           a.EndTime,
		Increment:         a.Increment.String(),
		ReservePrice:      a.ReservePrice,
		StartingPrice:     a.StartingPrice,
		CurrentPrice:      a.CurrentPrice,
		CurrentWinnerID:   a.CurrentWinnerID,
		ExtensionWindowMs: a.ExtensionWindow.Milliseconds(),
		BidCount:          a.BidCount,
		LastSeq:           a.LastSeq,
		EventSeq:          a.EventSeq,
		Version:           a.Version,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func fromAuctionRow(r AuctionRow) (model.Auction, error) {
	inc, err := model.ParseIncrementSchedule(r.Increment)
	if err != nil {
		return model.Auction{}, fmt.Errorf("auction %s: %w", r.ID, err)
	}
	return model.Auction{
		ID:              r.ID,
		Status:          model.Status(r.Status),
		StartTime:       r.StartTime,
		EndTime:         r.EndTime,
		Increment:       inc,
		ReservePrice:    r.ReservePrice,
		StartingPrice:   r.StartingPrice,
		CurrentPrice:    r.CurrentPrice,
		CurrentWinnerID: r.CurrentWinnerID,
		ExtensionWindow: time.Duration(r.ExtensionWindowMs) * time.Millisecond,
		BidCount:        r.BidCount,
		LastSeq:         r.LastSeq,
		EventSeq:        r.EventSeq,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}, nil
}

func toBidRow(b model.Bid) BidRow {
	row := BidRow{
		ID:             b.ID.String(),
		AuctionID:      b.AuctionID,
		Seq:            b.Seq,
		BidderID:       b.BidderID,
		Amount:         b.Amount,
		Kind:           string(b.Kind),
		AcceptedAt:     b.AcceptedAt,
		IdempotencyKey: optional(b.IdempotencyKey),
	}
	if b.TriggeringProxyID.Valid {
		row.TriggeringProxyID = optional(b.TriggeringProxyID.UUID.String())
	}
	return row
}

func fromBidRow(r BidRow) (model.Bid, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.Bid{}, fmt.Errorf("bid %s: %w", r.ID, err)
	}
	b := model.Bid{
		ID:             id,
		AuctionID:      r.AuctionID,
		BidderID:       r.BidderID,
		Amount:         r.Amount,
		Kind:           model.BidKind(r.Kind),
		Seq:            r.Seq,
		AcceptedAt:     r.AcceptedAt,
		IdempotencyKey: deref(r.IdempotencyKey),
	}
	if r.TriggeringProxyID != nil {
		pid, err := uuid.Parse(*r.TriggeringProxyID)
		if err != nil {
			return model.Bid{}, fmt.Errorf("bid %s trigger: %w", r.ID, err)
		}
		b.TriggeringProxyID = uuid.NullUUID{UUID: pid, Valid: true}
	}
	return b, nil
}

func toProxyRow(p model.ProxyBid) ProxyRow {
	return ProxyRow{
		ID:                p.ID.String(),
		AuctionID:         p.AuctionID,
		BidderID:          p.BidderID,
		MaxAmount:         p.MaxAmount,
		IsPriority:        p.IsPriority,
		SubmittedAt:       p.SubmittedAt,
		SubmittedSeq:      p.SubmittedSeq,
		Active:            p.Active,
		DeactivatedReason: string(p.DeactivatedReason),
		IdempotencyKey:    optional(p.IdempotencyKey),
	}
}

func fromProxyRow(r ProxyRow) (model.ProxyBid, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return model.ProxyBid{}, fmt.Errorf("proxy %s: %w", r.ID, err)
	}
	return model.ProxyBid{
		ID:                id,
		AuctionID:         r.AuctionID,
		BidderID:          r.BidderID,
		MaxAmount:         r.MaxAmount,
		IsPriority:        r.IsPriority,
		SubmittedAt:       r.SubmittedAt,
		SubmittedSeq:      r.SubmittedSeq,
		Active:            r.Active,
		DeactivatedReason: model.DeactivationReason(r.DeactivatedReason),
		IdempotencyKey:    deref(r.IdempotencyKey),
	}, nil
}
