// Package memory is a process-local implementation of the repository interfaces
// used by tests and by `cloudbot serve --in-memory`.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository"
)

// Store keeps users and bots in maps guarded by a mutex.
type Store struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]domain.User
	bots   map[int64]domain.Bot
	now    func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users: make(map[int64]domain.User),
		bots:  make(map[int64]domain.Bot),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ repository.UserRepository = (*Store)(nil)
	_ repository.BotRepository  = (*Store)(nil)
)

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return repository.ErrConflict
		}
	}
	s.nextID++
	user.ID = s.nextID
	user.CreatedAt = s.now()
	s.users[user.ID] = *user
	return nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			out := u
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetUserByID(_ context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (s *Store) CreateBot(_ context.Context, bot *domain.Bot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bots {
		if b.OwnerID == bot.OwnerID && strings.EqualFold(b.Name, bot.Name) {
			return repository.ErrConflict
		}
	}
	s.nextID++
	now := s.now()
	bot.ID = s.nextID
	bot.CreatedAt = now
	bot.UpdatedAt = now
	if bot.Status == "" {
		bot.Status = domain.BotStatusCreating
	}
	s.bots[bot.ID] = cloneBot(*bot)
	return nil
}

func (s *Store) GetBot(_ context.Context, id int64) (*domain.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneBot(b)
	return &out, nil
}

func (s *Store) ListBotsByOwner(_ context.Context, ownerID int64) ([]domain.Bot, error) {
	return s.filter(func(b domain.Bot) bool { return b.OwnerID == ownerID }, func(a, b domain.Bot) bool {
		return a.ID > b.ID
	}), nil
}

func (s *Store) CountBotsByOwner(ctx context.Context, ownerID int64) (int, error) {
	bots, _ := s.ListBotsByOwner(ctx, ownerID)
	return len(bots), nil
}

func (s *Store) FindBotByOwnerAndName(_ context.Context, ownerID int64, name string) (*domain.Bot, error) {
	matches := s.filter(func(b domain.Bot) bool {
		return b.OwnerID == ownerID && strings.EqualFold(b.Name, name)
	}, nil)
	if len(matches) == 0 {
		return nil, repository.ErrNotFound
	}
	return &matches[0], nil
}

func (s *Store) UpdateBotStatus(_ context.Context, update domain.BotStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[update.BotID]
	if !ok {
		return repository.ErrNotFound
	}
	if !domain.ValidTransition(b.Status, update.Status) {
		return fmt.Errorf("%w: bot %d cannot move from %s to %s", repository.ErrConflict, b.ID, b.Status, update.Status)
	}
	b.Status = update.Status
	b.PublicURL = update.PublicURL
	b.InternalAddress = update.InternalAddress
	b.ErrorMessage = update.ErrorMessage
	b.UpdatedAt = s.now()
	s.bots[b.ID] = b
	return nil
}

func (s *Store) SetClusterReference(_ context.Context, id int64, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return repository.ErrNotFound
	}
	b.ClusterReference = reference
	b.UpdatedAt = s.now()
	s.bots[id] = b
	return nil
}

func (s *Store) ListBotsWithStatusUpdatedBefore(_ context.Context, status domain.BotStatus, before time.Time) ([]domain.Bot, error) {
	return s.filter(func(b domain.Bot) bool {
		return b.Status == status && b.UpdatedAt.Before(before)
	}, func(a, b domain.Bot) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	}), nil
}

func (s *Store) DeleteBot(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bots[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.bots, id)
	return nil
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) filter(keep func(domain.Bot) bool, less func(a, b domain.Bot) bool) []domain.Bot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Bot, 0)
	for _, b := range s.bots {
		if keep(b) {
			out = append(out, cloneBot(b))
		}
	}
	if less == nil {
		less = func(a, b domain.Bot) bool { return a.ID < b.ID }
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func cloneBot(b domain.Bot) domain.Bot {
	b.Capabilities = append([]string(nil), b.Capabilities...)
	return b
}
