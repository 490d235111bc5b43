package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := load(viper.New(), false)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Auction.QueueTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Auction.ExtensionWindow)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BIDENGINE_SERVER_PORT", "9000")
	t.Setenv("BIDENGINE_AUCTION_QUEUE_TIMEOUT", "750ms")
	t.Setenv("BIDENGINE_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("BIDENGINE_DATABASE_DRIVER", "sqlite")
	t.Setenv("BIDENGINE_DATABASE_DSN", "file:bids.db")

	cfg, err := load(viper.New(), false)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Auction.QueueTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "file:bids.db", cfg.Database.DSN)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg, err := load(viper.New(), false)
	require.NoError(t, err)

	cfg.Database.Driver = "postgres"
	cfg.Auction.QueueTimeout = 0
	cfg.Kafka.Enabled = true
	cfg.Kafka.Topic = ""

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
	assert.Contains(t, err.Error(), "queue_timeout")
	assert.Contains(t, err.Error(), "kafka.brokers")

	cfg.Database.Driver = "mongo"
	assert.ErrorContains(t, cfg.Validate(), "unknown database.driver")
}
