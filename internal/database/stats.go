package database

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/bidengine/pkg/metrics"
)

// ReportPoolStats publishes pool gauges every interval until ctx is done.
func ReportPoolStats(ctx context.Context, name string, db *gorm.DB, interval time.Duration, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("Pool stats unavailable", zap.String("db", name), zap.Error(err))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sqlDB.Stats()
			metrics.DBOpenConns.WithLabelValues(name).Set(float64(st.OpenConnections))
			metrics.DBInUseConns.WithLabelValues(name).Set(float64(st.InUse))
		}
	}
}
