package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/oz-auth/internal/config"
	"github.com/smallbiznis/oz-auth/internal/domain"
	"github.com/smallbiznis/oz-auth/internal/domain/oauth"
	"github.com/smallbiznis/oz-auth/internal/password"
	"github.com/smallbiznis/oz-auth/internal/repository"
)

// EnsureSeedUser creates the configured test user for dev/e2e if missing.
// Without seed config it is a no-op.
func EnsureSeedUser(lc fx.Lifecycle, cfg config.Config, identities repository.IdentityRepository, node *snowflake.Node, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureSeedUser(ctx, cfg, identities, node, logger)
		},
	})
}

func ensureSeedUser(ctx context.Context, cfg config.Config, identities repository.IdentityRepository, node *snowflake.Node, logger *zap.Logger) error {
	email := strings.ToLower(strings.TrimSpace(cfg.SeedEmail))
	if email == "" || strings.TrimSpace(cfg.SeedPassword) == "" {
		return nil
	}

	if _, err := identities.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, oauth.ErrUserNotFound) {
		return fmt.Errorf("seed lookup user: %w", err)
	}

	hashed, err := password.Hash(cfg.SeedPassword)
	if err != nil {
		return fmt.Errorf("seed hash password: %w", err)
	}

	created, err := identities.Upsert(ctx, domain.Identity{
		ID:           node.Generate().Int64(),
		ExternalID:   uuid.NewString(),
		Email:        email,
		Name:         cfg.SeedName,
		PasswordHash: hashed,
	})
	if err != nil {
		return fmt.Errorf("seed create user: %w", err)
	}

	if logger != nil {
		logger.Info("seed user created",
			zap.String("email", created.Email),
			zap.Int64("identity_id", created.ID),
		)
	}
	return nil
}
