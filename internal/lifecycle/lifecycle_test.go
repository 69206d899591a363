package lifecycle

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/whookdev/busbridge/internal/config"
)

func TestNewValidatesArguments(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{ServerID: "bridge-1", HeartbeatInterval: time.Second}

	_, err := New(nil, redis.NewClient(&redis.Options{}), nil, logger)
	assert.Error(t, err)

	_, err = New(cfg, nil, nil, logger)
	assert.Error(t, err)

	lc, err := New(cfg, redis.NewClient(&redis.Options{}), nil, logger)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), lc.inflight())
}
