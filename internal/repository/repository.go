package repository

import (
	"context"
	"time"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id int64) (*domain.User, error)
}

// BotRepository persists bot records. CreateBot assigns ID, CreatedAt and UpdatedAt.
type BotRepository interface {
	CreateBot(ctx context.Context, bot *domain.Bot) error
	GetBot(ctx context.Context, id int64) (*domain.Bot, error)
	ListBotsByOwner(ctx context.Context, ownerID int64) ([]domain.Bot, error)
	CountBotsByOwner(ctx context.Context, ownerID int64) (int, error)
	FindBotByOwnerAndName(ctx context.Context, ownerID int64, name string) (*domain.Bot, error)
	// UpdateBotStatus only applies to records still in creating and returns
	// ErrConflict once a record has reached a terminal status.
	UpdateBotStatus(ctx context.Context, update domain.BotStatusUpdate) error
	SetClusterReference(ctx context.Context, id int64, reference string) error
	ListBotsWithStatusUpdatedBefore(ctx context.Context, status domain.BotStatus, before time.Time) ([]domain.Bot, error)
	DeleteBot(ctx context.Context, id int64) error
}
