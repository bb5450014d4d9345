package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courier-ops/courier/internal/shared"
)

// KeyRepository stores agent public keys in PostgreSQL.
type KeyRepository struct {
	pool *pgxpool.Pool
}

// NewKeyRepository constructs KeyRepository.
func NewKeyRepository(pool *pgxpool.Pool) *KeyRepository {
	return &KeyRepository{pool: pool}
}

// Register stores or rotates the agent's key and clears any revocation.
func (r *KeyRepository) Register(ctx context.Context, agent shared.AgentID, key *PublicKey) error {
	if key == nil {
		return fmt.Errorf("dispatch: register %s: %w", agent, shared.ErrInvalidInput)
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO agent_keys (agent_id, public_key) VALUES ($1::uuid, $2)
ON CONFLICT (agent_id) DO UPDATE SET public_key = EXCLUDED.public_key, registered_at = NOW(), revoked_at = NULL`,
		agent.String(), key[:])
	return err
}

// Revoke marks the agent's key revoked. Later dispatches to it fail permanently.
func (r *KeyRepository) Revoke(ctx context.Context, agent shared.AgentID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE agent_keys SET revoked_at = NOW() WHERE agent_id = $1::uuid AND revoked_at IS NULL`, agent.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRecipient, agent)
	}
	return nil
}

// PublicKey implements KeyDirectory.
func (r *KeyRepository) PublicKey(ctx context.Context, agent shared.AgentID) (*PublicKey, error) {
	var (
		raw     []byte
		revoked *time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT public_key, revoked_at FROM agent_keys WHERE agent_id = $1::uuid`, agent.String()).
		Scan(&raw, &revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, agent)
	}
	if err != nil {
		return nil, err
	}
	if revoked != nil {
		return nil, fmt.Errorf("%w: %s", ErrRecipientRevoked, agent)
	}
	if len(raw) != len(PublicKey{}) {
		return nil, fmt.Errorf("dispatch: key for %s has %d bytes", agent, len(raw))
	}
	var key PublicKey
	copy(key[:], raw)
	return &key, nil
}
