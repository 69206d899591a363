// Package lifecycle registers a running bridge instance in redis so
// operators can see which instances are alive and how busy they are.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whookdev/busbridge/internal/config"
)

const RegistryKey = "bridge_instances"

type Lifecycle struct {
	cfg      *config.Config
	logger   *slog.Logger
	rdb      *redis.Client
	inflight func() int64
}

type InstanceInfo struct {
	Driver        string    `json:"driver"`
	Inflight      int64     `json:"inflight"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// New builds the registry client. inflight reports the sends this
// instance is waiting on; it may be nil.
func New(cfg *config.Config, redis *redis.Client, inflight func() int64, logger *slog.Logger) (*Lifecycle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if redis == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if inflight == nil {
		inflight = func() int64 { return 0 }
	}

	logger = logger.With("component", "lifecycle")

	lc := &Lifecycle{
		cfg:      cfg,
		rdb:      redis,
		inflight: inflight,
		logger:   logger,
	}

	return lc, nil
}

func (lc *Lifecycle) Register(ctx context.Context) error {
	info, err := lc.write(ctx)
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	lc.logger.Info("registered instance", "server_id", lc.cfg.ServerID, "driver", info.Driver)
	return nil
}

// MaintainRegistration refreshes the entry every heartbeat interval until
// ctx is cancelled, then removes it. The returned channel closes once the
// entry is gone.
func (lc *Lifecycle) MaintainRegistration(ctx context.Context) chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(lc.cfg.HeartbeatInterval)
		defer ticker.Stop()

		lc.logger.Info("heartbeat routine started", "interval", lc.cfg.HeartbeatInterval)

		for {
			select {
			case <-ticker.C:
				if err := lc.updateHeartbeat(ctx); err != nil {
					lc.logger.Error("failed heartbeat", "error", err)
				}
			case <-ctx.Done():
				if err := lc.Deregister(context.Background()); err != nil {
					lc.logger.Error("failed to de-register instance", "error", err)
				} else {
					lc.logger.Info("de-registered instance")
				}
				lc.logger.Info("heartbeat routine stopped")
				return
			}
		}
	}()

	return done
}

func (lc *Lifecycle) Deregister(ctx context.Context) error {
	if err := lc.rdb.HDel(ctx, RegistryKey, lc.cfg.ServerID).Err(); err != nil {
		return fmt.Errorf("failed to de-register instance: %w", err)
	}
	return nil
}

func (lc *Lifecycle) updateHeartbeat(ctx context.Context) error {
	info, err := lc.write(ctx)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	lc.logger.Debug("heartbeat update", "server_id", lc.cfg.ServerID, "inflight", info.Inflight)
	return nil
}

func (lc *Lifecycle) write(ctx context.Context) (*InstanceInfo, error) {
	info := &InstanceInfo{
		Driver:        lc.cfg.BusDriver,
		Inflight:      lc.inflight(),
		LastHeartbeat: time.Now().UTC(),
	}

	val, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshaling instance info: %w", err)
	}

	if err := lc.rdb.HSet(ctx, RegistryKey, lc.cfg.ServerID, string(val)).Err(); err != nil {
		return nil, err
	}
	return info, nil
}

// Instances lists every registered bridge instance by server id.
func Instances(ctx context.Context, rdb *redis.Client) (map[string]InstanceInfo, error) {
	raw, err := rdb.HGetAll(ctx, RegistryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading instance registry: %w", err)
	}

	out := make(map[string]InstanceInfo, len(raw))
	for id, val := range raw {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(val), &info); err != nil {
			return nil, fmt.Errorf("decoding instance %s: %w", id, err)
		}
		out[id] = info
	}
	return out, nil
}
