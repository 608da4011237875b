package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository"
)

const botColumns = `id, owner_id, name, token, token_ciphertext, capabilities, status,
	public_url, internal_address, cluster_reference, error_message, created_at, updated_at`

// CreateBot inserts a bot record in its initial status.
func (r *Repository) CreateBot(ctx context.Context, bot *domain.Bot) error {
	plain, sealed, err := r.sealToken(bot.Token)
	if err != nil {
		return err
	}
	status := bot.Status
	if status == "" {
		status = domain.BotStatusCreating
	}
	const query = `INSERT INTO bots (owner_id, name, token, token_ciphertext, capabilities, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	row := r.pool.QueryRow(ctx, query, bot.OwnerID, bot.Name, plain, sealed, bot.Capabilities, string(status))
	if err := row.Scan(&bot.ID, &bot.CreatedAt, &bot.UpdatedAt); err != nil {
		return mapError(err)
	}
	bot.Status = status
	return nil
}

// GetBot loads a bot by id.
func (r *Repository) GetBot(ctx context.Context, id int64) (*domain.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE id = $1`
	return r.scanBot(r.pool.QueryRow(ctx, query, id))
}

// ListBotsByOwner returns an owner's bots, newest first.
func (r *Repository) ListBotsByOwner(ctx context.Context, ownerID int64) ([]domain.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`
	return r.queryBots(ctx, query, ownerID)
}

// CountBotsByOwner counts an owner's bots in any status.
func (r *Repository) CountBotsByOwner(ctx context.Context, ownerID int64) (int, error) {
	const query = `SELECT COUNT(1) FROM bots WHERE owner_id = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, ownerID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// FindBotByOwnerAndName matches names case-insensitively.
func (r *Repository) FindBotByOwnerAndName(ctx context.Context, ownerID int64, name string) (*domain.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE owner_id = $1 AND lower(name) = lower($2)`
	return r.scanBot(r.pool.QueryRow(ctx, query, ownerID, name))
}

// UpdateBotStatus records the outcome of a creation. Only records still in creating are
// written; anything else yields repository.ErrConflict.
func (r *Repository) UpdateBotStatus(ctx context.Context, update domain.BotStatusUpdate) error {
	const query = `UPDATE bots
		SET status = $2, public_url = $3, internal_address = $4, error_message = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6`
	tag, err := r.pool.Exec(ctx, query, update.BotID, string(update.Status), update.PublicURL,
		update.InternalAddress, update.ErrorMessage, string(domain.BotStatusCreating))
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bots WHERE id = $1)`, update.BotID).Scan(&exists); err != nil {
		return mapError(err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return fmt.Errorf("%w: bot %d is no longer %s", repository.ErrConflict, update.BotID, domain.BotStatusCreating)
}

// SetClusterReference records the name of the applied cluster object.
func (r *Repository) SetClusterReference(ctx context.Context, id int64, reference string) error {
	const query = `UPDATE bots SET cluster_reference = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, reference)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListBotsWithStatusUpdatedBefore supports the stale record reconciler.
func (r *Repository) ListBotsWithStatusUpdatedBefore(ctx context.Context, status domain.BotStatus, before time.Time) ([]domain.Bot, error) {
	query := `SELECT ` + botColumns + ` FROM bots WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`
	return r.queryBots(ctx, query, string(status), before)
}

// DeleteBot removes a record.
func (r *Repository) DeleteBot(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) queryBots(ctx context.Context, query string, args ...any) ([]domain.Bot, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bots := make([]domain.Bot, 0)
	for rows.Next() {
		bot, err := r.scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, *bot)
	}
	return bots, rows.Err()
}

func (r *Repository) scanBot(row pgx.Row) (*domain.Bot, error) {
	var (
		b      domain.Bot
		status string
		sealed []byte
	)
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Token, &sealed, &b.Capabilities, &status,
		&b.PublicURL, &b.InternalAddress, &b.ClusterReference, &b.ErrorMessage, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	b.Status = domain.BotStatus(status)
	if len(sealed) > 0 {
		if r.sealer == nil {
			return nil, fmt.Errorf("bot %d token is encrypted but no key is configured", b.ID)
		}
		token, err := r.sealer.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypt bot %d token: %w", b.ID, err)
		}
		b.Token = token
	}
	return &b, nil
}

func (r *Repository) sealToken(token string) (string, []byte, error) {
	if r.sealer == nil {
		return token, nil, nil
	}
	sealed, err := r.sealer.Seal(token)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt bot token: %w", err)
	}
	return "", sealed, nil
}
