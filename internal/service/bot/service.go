package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/helGmoro/tardiaplataforma-code/internal/docker"
	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository"
	"github.com/helGmoro/tardiaplataforma-code/internal/runtime"
)

const (
	// ManifestFileName is the rendered cluster manifest kept in the working directory.
	ManifestFileName = "k8s-deployment.yaml"
	// MaxErrorMessageBytes bounds the persisted error message.
	MaxErrorMessageBytes = 4096

	persistTimeout  = 10 * time.Second
	teardownTimeout = 2 * time.Minute
)

// Materializer prepares the per-bot working directory.
type Materializer interface {
	Materialize(ctx context.Context, d domain.Descriptor) (string, error)
	Remove(id int64) error
}

// ImageBuilder builds a tagged image from a working directory.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string) (docker.BuildOutput, error)
}

// Publisher receives every persisted status change.
type Publisher interface {
	Publish(event domain.BotEvent)
}

// Config holds the orchestrator settings.
type Config struct {
	Namespace        string
	PublicURLBase    string
	ReadinessTimeout time.Duration
	BuildTimeout     time.Duration
	MaxBotsPerOwner  int
	Capabilities     []string
}

// CreateInput is a tenant's request for a new bot.
type CreateInput struct {
	OwnerID      int64
	Name         string
	Token        string
	Capabilities []string
}

// Option customizes a Service.
type Option func(*Service)

// WithPublisher sends status events to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRegisterer registers pipeline metrics on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) { s.metrics = newMetrics(reg) }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service runs the bot lifecycle: synchronous admission, an asynchronous creation
// pipeline per bot and synchronous best-effort teardown.
type Service struct {
	repo         repository.BotRepository
	materializer Materializer
	builder      ImageBuilder
	runtime      runtime.Manager
	publisher    Publisher
	cfg          Config
	logger       *slog.Logger
	metrics      *metrics
	now          func() time.Time

	root     context.Context
	locks    *lockTable
	inflight sync.WaitGroup
	// admitMu serializes the duplicate and quota checks with the insert.
	admitMu sync.Mutex
}

// New creates the orchestrator. Pipelines run on contexts derived from root, so
// cancelling root is the only way to interrupt them.
func New(root context.Context, repo repository.BotRepository, mat Materializer, builder ImageBuilder, rt runtime.Manager, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if root == nil {
		root = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "bot-platform"
	}
	if cfg.PublicURLBase == "" {
		cfg.PublicURLBase = "https://t.me"
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 300 * time.Second
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 15 * time.Minute
	}
	if cfg.MaxBotsPerOwner <= 0 {
		cfg.MaxBotsPerOwner = 20
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = []string{"clima", "noticias", "ia"}
	}
	s := &Service{
		repo:         repo,
		materializer: mat,
		builder:      builder,
		runtime:      rt,
		cfg:          cfg,
		logger:       logger.With("component", "bot-service"),
		now:          time.Now,
		root:         root,
		locks:        newLockTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = newMetrics(prometheus.DefaultRegisterer)
	}
	return s
}

// Create validates the request, persists a creating record and starts the
// provisioning pipeline in the background. The returned record is still creating.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Bot, error) {
	name := strings.TrimSpace(in.Name)
	token := strings.TrimSpace(in.Token)
	if in.OwnerID <= 0 {
		return nil, domain.ErrUnauthorized
	}
	if err := domain.ValidateBotName(name); err != nil {
		return nil, err
	}
	if err := domain.ValidateToken(token); err != nil {
		return nil, err
	}
	caps, err := domain.NormalizeCapabilities(in.Capabilities, s.cfg.Capabilities)
	if err != nil {
		return nil, err
	}

	bot, err := s.admit(ctx, domain.Bot{
		OwnerID:      in.OwnerID,
		Name:         name,
		Token:        token,
		Capabilities: caps,
		Status:       domain.BotStatusCreating,
	})
	if err != nil {
		return nil, err
	}

	// The new id is uncontended; taking the lock here closes the window in which a
	// delete could run before the pipeline goroutine starts.
	release, err := s.locks.acquire(ctx, bot.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("bot creation accepted", "bot_id", bot.ID, "owner_id", bot.OwnerID, "name", bot.Name, "capabilities", strings.Join(caps, ","))
	s.publish(bot)

	s.inflight.Add(1)
	go s.run(bot.Descriptor(), release)
	return bot, nil
}

func (s *Service) admit(ctx context.Context, bot domain.Bot) (*domain.Bot, error) {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()

	existing, err := s.repo.FindBotByOwnerAndName(ctx, bot.OwnerID, bot.Name)
	switch {
	case err == nil && existing != nil:
		return nil, fmt.Errorf("%w: a bot named %q already exists", domain.ErrValidation, existing.Name)
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("check bot name: %w", err)
	}

	count, err := s.repo.CountBotsByOwner(ctx, bot.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("count bots: %w", err)
	}
	if count >= s.cfg.MaxBotsPerOwner {
		return nil, fmt.Errorf("%w: bot limit of %d reached", domain.ErrValidation, s.cfg.MaxBotsPerOwner)
	}

	if err := s.repo.CreateBot(ctx, &bot); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: a bot named %q already exists", domain.ErrValidation, bot.Name)
		}
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &bot, nil
}

// Get returns one of the owner's bots.
func (s *Service) Get(ctx context.Context, ownerID, id int64) (*domain.Bot, error) {
	bot, err := s.repo.GetBot(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if bot.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return bot, nil
}

// List returns the owner's bots, newest first.
func (s *Service) List(ctx context.Context, ownerID int64) ([]domain.Bot, error) {
	return s.repo.ListBotsByOwner(ctx, ownerID)
}

// Delete tears down the bot's cluster objects and working directory, then removes
// the record. Teardown failures are logged and never block record deletion. While a
// creation pipeline for the bot is running, Delete waits for it; if ctx ends first
// it returns ErrBusy.
func (s *Service) Delete(ctx context.Context, ownerID, id int64) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: creation still in progress", domain.ErrBusy)
	}
	defer release()

	// Once the lock is held the removal runs to completion even if the caller goes away,
	// otherwise the record could survive as active after its workload is gone.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	// Re-read: the pipeline may have recorded a cluster reference while we waited.
	bot, err := s.Get(work, ownerID, id)
	if err != nil {
		return err
	}
	log := s.logger.With("bot_id", bot.ID, "name", bot.Name)

	if bot.ClusterReference != "" {
		err := s.teardown(work, bot.ClusterReference)
		s.metrics.teardowns.WithLabelValues(result(err)).Inc()
		if err != nil {
			log.Warn("cluster teardown failed", "reference", bot.ClusterReference, "error", err)
		}
	}
	if err := s.materializer.Remove(bot.ID); err != nil {
		log.Warn("workspace cleanup failed", "error", err)
	}
	if err := s.repo.DeleteBot(work, bot.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("delete bot: %w", err)
	}
	log.Info("bot deleted")
	s.publishEvent(domain.BotEvent{BotID: bot.ID, OwnerID: bot.OwnerID, Name: bot.Name, Status: "deleted", At: s.now().UTC()})
	return nil
}

func (s *Service) teardown(ctx context.Context, reference string) error {
	ref, err := runtime.ParseRef(reference)
	if err != nil {
		return err
	}
	if ref.Namespace == "" {
		ref.Namespace = s.cfg.Namespace
	}
	return s.runtime.Teardown(ctx, ref)
}

// InFlight reports whether a pipeline or delete currently holds bot id.
func (s *Service) InFlight(id int64) bool {
	return s.locks.isHeld(id)
}

// Busy returns how many bots currently have a pipeline or delete running.
func (s *Service) Busy() int {
	return s.locks.size()
}

// Wait blocks until every started pipeline has finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListStale returns creating records not touched since before.
func (s *Service) ListStale(ctx context.Context, before time.Time) ([]domain.Bot, error) {
	return s.repo.ListBotsWithStatusUpdatedBefore(ctx, domain.BotStatusCreating, before)
}

// MarkFailed moves a creating record without an in-flight pipeline to error. It
// reports false when the bot is busy or no longer creating.
func (s *Service) MarkFailed(ctx context.Context, id int64, message string) (bool, error) {
	if s.locks.isHeld(id) {
		return false, nil
	}
	release, err := s.locks.acquire(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()

	bot, err := s.repo.GetBot(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !domain.ValidTransition(bot.Status, domain.BotStatusError) {
		return false, nil
	}
	update := domain.BotStatusUpdate{BotID: id, Status: domain.BotStatusError, ErrorMessage: truncate(message, MaxErrorMessageBytes)}
	if err := s.repo.UpdateBotStatus(ctx, update); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	bot.Status = domain.BotStatusError
	bot.ErrorMessage = update.ErrorMessage
	s.publish(bot)
	return true, nil
}

func (s *Service) publish(bot *domain.Bot) {
	s.publishEvent(domain.BotEvent{
		BotID:        bot.ID,
		OwnerID:      bot.OwnerID,
		Name:         bot.Name,
		Status:       string(bot.Status),
		PublicURL:    bot.PublicURL,
		ErrorMessage: bot.ErrorMessage,
		At:           s.now().UTC(),
	})
}

func (s *Service) publishEvent(event domain.BotEvent) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(event)
}

func (s *Service) writeManifest(dir string, req runtime.Request) error {
	renderer, ok := s.runtime.(runtime.ManifestRenderer)
	if !ok {
		return nil
	}
	doc, err := renderer.RenderManifest(req)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFileName), doc, 0o644)
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
