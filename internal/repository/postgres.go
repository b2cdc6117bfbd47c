package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/oz-auth/internal/domain"
	"github.com/smallbiznis/oz-auth/internal/domain/oauth"
)

// Compile-time interface assertions.
var (
	_ IdentityRepository = (*PostgresIdentityRepo)(nil)
	_ CodeRepository     = (*PostgresCodeRepo)(nil)
	_ TokenRepository    = (*PostgresTokenRepo)(nil)
	_ KeyRepository      = (*PostgresKeyRepo)(nil)
)

const identityColumns = `id, external_id, email, name, password_hash, profile, created_at, updated_at`

// PostgresIdentityRepo implements IdentityRepository over one identity table.
// The authorization server's credential rows and the relying party's federated
// mirror rows live in separate tables so a mirrored email can never shadow a
// password row.
type PostgresIdentityRepo struct {
	db    *pgxpool.Pool
	table string
}

// NewPostgresIdentityRepo returns the authorization server's credential store.
func NewPostgresIdentityRepo(pool *pgxpool.Pool) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: pool, table: "identities"}
}

// NewPostgresMirrorIdentityRepo returns the relying party's mirror store.
func NewPostgresMirrorIdentityRepo(pool *pgxpool.Pool) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: pool, table: "app_identities"}
}

func (r *PostgresIdentityRepo) GetByID(ctx context.Context, id int64) (domain.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, identityColumns, r.table)
	identity, err := scanIdentity(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Identity{}, oauth.ErrUserNotFound
		}
		return domain.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return identity, nil
}

func (r *PostgresIdentityRepo) GetByEmail(ctx context.Context, email string) (domain.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE email = $1`, identityColumns, r.table)
	identity, err := scanIdentity(r.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Identity{}, oauth.ErrUserNotFound
		}
		return domain.Identity{}, fmt.Errorf("get identity by email: %w", err)
	}
	return identity, nil
}

func (r *PostgresIdentityRepo) GetByExternalID(ctx context.Context, externalID string) (domain.Identity, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE external_id = $1`, identityColumns, r.table)
	identity, err := scanIdentity(r.db.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Identity{}, oauth.ErrUserNotFound
		}
		return domain.Identity{}, fmt.Errorf("get identity by external id: %w", err)
	}
	return identity, nil
}

const upsertIdentitySQL = `INSERT INTO %s (id, external_id, email, name, password_hash, profile)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (external_id) DO NOTHING`

// Upsert is first-write-wins: a conflicting external id leaves the stored
// profile untouched and the existing record is returned.
func (r *PostgresIdentityRepo) Upsert(ctx context.Context, identity domain.Identity) (domain.Identity, error) {
	if _, err := r.db.Exec(ctx, fmt.Sprintf(upsertIdentitySQL, r.table),
		identity.ID,
		identity.ExternalID,
		identity.Email,
		identity.Name,
		identity.PasswordHash,
		identity.Profile,
	); err != nil {
		return domain.Identity{}, fmt.Errorf("upsert identity: %w", err)
	}
	return r.GetByExternalID(ctx, identity.ExternalID)
}

// PostgresCodeRepo implements CodeRepository.
type PostgresCodeRepo struct {
	db *pgxpool.Pool
}

func NewPostgresCodeRepo(pool *pgxpool.Pool) *PostgresCodeRepo {
	return &PostgresCodeRepo{db: pool}
}

const insertCodeSQL = `INSERT INTO oauth_codes (id, code, identity_id, client_id, used, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`

func (r *PostgresCodeRepo) CreateCode(ctx context.Context, code domain.AuthorizationCode) error {
	if _, err := r.db.Exec(ctx, insertCodeSQL,
		code.ID,
		code.Code,
		code.IdentityID,
		code.ClientID,
		code.Used,
		code.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	return nil
}

const consumeCodeSQL = `UPDATE oauth_codes SET used = TRUE
WHERE code = $1 AND used = FALSE
RETURNING id, code, identity_id, client_id, used, expires_at, created_at`

// ConsumeCode is a single conditional update so that two racing redemptions
// cannot both succeed: the losing call matches zero rows and a follow-up read
// distinguishes already-used from unknown.
func (r *PostgresCodeRepo) ConsumeCode(ctx context.Context, code string) (domain.AuthorizationCode, error) {
	record, err := scanCode(r.db.QueryRow(ctx, consumeCodeSQL, code))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.AuthorizationCode{}, fmt.Errorf("consume code: %w", err)
		}
		const lookup = `SELECT id, code, identity_id, client_id, used, expires_at, created_at FROM oauth_codes WHERE code = $1`
		existing, err := scanCode(r.db.QueryRow(ctx, lookup, code))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.AuthorizationCode{}, oauth.ErrCodeNotFound
			}
			return domain.AuthorizationCode{}, fmt.Errorf("lookup code: %w", err)
		}
		// Expiry takes precedence over the used flag.
		if time.Now().After(existing.ExpiresAt) {
			return domain.AuthorizationCode{}, oauth.ErrCodeExpired
		}
		return domain.AuthorizationCode{}, oauth.ErrCodeAlreadyUsed
	}
	if time.Now().After(record.ExpiresAt) {
		return domain.AuthorizationCode{}, oauth.ErrCodeExpired
	}
	return record, nil
}

func (r *PostgresCodeRepo) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_codes WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

const insertTokenSQL = `INSERT INTO oauth_tokens (id, token, identity_id, client_id, expires_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, token, identity_id, client_id, expires_at, created_at`

func (r *PostgresTokenRepo) CreateToken(ctx context.Context, token domain.AccessToken) (domain.AccessToken, error) {
	row := r.db.QueryRow(ctx, insertTokenSQL,
		token.ID,
		token.Token,
		token.IdentityID,
		token.ClientID,
		token.ExpiresAt,
	)
	inserted, err := scanToken(row)
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("insert token: %w", err)
	}
	return inserted, nil
}

func (r *PostgresTokenRepo) GetByToken(ctx context.Context, token string) (domain.AccessToken, error) {
	const query = `SELECT id, token, identity_id, client_id, expires_at, created_at FROM oauth_tokens WHERE token = $1`
	record, err := scanToken(r.db.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AccessToken{}, oauth.ErrTokenInvalid
		}
		return domain.AccessToken{}, fmt.Errorf("get token: %w", err)
	}
	return record, nil
}

func (r *PostgresTokenRepo) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_tokens WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresKeyRepo implements KeyRepository.
type PostgresKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{db: pool}
}

func (r *PostgresKeyRepo) GetActiveKey(ctx context.Context, purpose string) (domain.SigningKey, error) {
	const query = `SELECT id, purpose, kid, secret, algorithm, is_active, created_at, rotated_at
FROM signing_keys WHERE purpose = $1 AND is_active ORDER BY created_at DESC LIMIT 1`

	var (
		key       domain.SigningKey
		rotatedAt *time.Time
	)
	if err := r.db.QueryRow(ctx, query, purpose).Scan(
		&key.ID,
		&key.Purpose,
		&key.KID,
		&key.Secret,
		&key.Algorithm,
		&key.IsActive,
		&key.CreatedAt,
		&rotatedAt,
	); err != nil {
		return domain.SigningKey{}, err
	}
	key.RotatedAt = rotatedAt
	return key, nil
}

const insertKeySQL = `INSERT INTO signing_keys (purpose, kid, secret, algorithm, is_active)
VALUES ($1, $2, $3, $4, TRUE)
RETURNING id, created_at`

func (r *PostgresKeyRepo) CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	if err := r.db.QueryRow(ctx, insertKeySQL,
		key.Purpose,
		key.KID,
		key.Secret,
		key.Algorithm,
	).Scan(&key.ID, &key.CreatedAt); err != nil {
		return domain.SigningKey{}, fmt.Errorf("insert key: %w", err)
	}
	key.IsActive = true
	return key, nil
}

func scanIdentity(row pgx.Row) (domain.Identity, error) {
	var identity domain.Identity
	if err := row.Scan(
		&identity.ID,
		&identity.ExternalID,
		&identity.Email,
		&identity.Name,
		&identity.PasswordHash,
		&identity.Profile,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	); err != nil {
		return domain.Identity{}, err
	}
	return identity, nil
}

func scanCode(row pgx.Row) (domain.AuthorizationCode, error) {
	var code domain.AuthorizationCode
	if err := row.Scan(
		&code.ID,
		&code.Code,
		&code.IdentityID,
		&code.ClientID,
		&code.Used,
		&code.ExpiresAt,
		&code.CreatedAt,
	); err != nil {
		return domain.AuthorizationCode{}, err
	}
	return code, nil
}

func scanToken(row pgx.Row) (domain.AccessToken, error) {
	var token domain.AccessToken
	if err := row.Scan(
		&token.ID,
		&token.Token,
		&token.IdentityID,
		&token.ClientID,
		&token.ExpiresAt,
		&token.CreatedAt,
	); err != nil {
		return domain.AccessToken{}, err
	}
	return token, nil
}
