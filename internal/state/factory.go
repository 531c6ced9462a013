package state

import (
	"context"
	"fmt"
	"time"

	"vmforge/internal/config"
	"vmforge/internal/logging"
	"vmforge/internal/machine"

	"go.uber.org/zap"
)

// NewStore returns the etcd store when endpoints are configured and the JSON
// file store otherwise. An unreachable etcd cluster is an error.
func NewStore(ctx context.Context, cfg config.StateConfig) (machine.Store, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		logging.Logger().Debug("No etcd endpoints configured, using state file",
			zap.String("path", cfg.Path))
		return NewFileStore(cfg.Path, cfg.Deployment), nil
	}

	store, err := NewEtcdStore(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Deployment)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("etcd connection test failed: %w", err)
	}

	logging.Logger().Info("Connected to etcd for machine state",
		zap.Strings("endpoints", cfg.Etcd.Endpoints),
		zap.String("deployment", cfg.Deployment))
	return store, nil
}
