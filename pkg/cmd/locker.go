package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowlinehq/flowline/pkg/locker"
)

// NewLocker returns a Redis-backed locker when an address is configured,
// otherwise an in-process one. Single-node deployments do not need Redis.
func NewLocker(ctx context.Context, logger *slog.Logger, redisAddr, redisPassword string) (locker.Locker, error) {
	if redisAddr == "" {
		logger.Debug("Using in-process locker")

		return locker.NewMemoryLocker(), nil
	}

	redisLocker, err := locker.NewRedisLocker(ctx, redisAddr, redisPassword, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis locker: %w", err)
	}

	logger.Debug("Using Redis locker", "addr", redisAddr)

	return redisLocker, nil
}
