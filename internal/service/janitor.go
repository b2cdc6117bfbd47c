package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/oz-auth/internal/repository"
)

// Janitor periodically deletes expired codes and tokens. Expiry alone already
// makes them invalid; the sweep is storage hygiene only.
type Janitor struct {
	codes    repository.CodeRepository
	tokens   repository.TokenRepository
	interval time.Duration
	logger   *zap.Logger
}

// NewJanitor creates a sweeper over both registries.
func NewJanitor(codes repository.CodeRepository, tokens repository.TokenRepository, interval time.Duration, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Janitor{codes: codes, tokens: tokens, interval: interval, logger: logger}
}

// Run sweeps on the configured interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep deletes expired records once.
func (j *Janitor) Sweep(ctx context.Context) {
	codes, err := j.codes.DeleteExpired(ctx)
	if err != nil {
		j.logger.Warn("sweep expired codes", zap.Error(err))
	}
	tokens, err := j.tokens.DeleteExpired(ctx)
	if err != nil {
		j.logger.Warn("sweep expired tokens", zap.Error(err))
	}
	if codes > 0 || tokens > 0 {
		j.logger.Info("expired records swept", zap.Int64("codes", codes), zap.Int64("tokens", tokens))
	}
}
