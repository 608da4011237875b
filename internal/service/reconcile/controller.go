package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
)

const (
	defaultInterval   = 60 * time.Second
	defaultStaleAfter = 15 * time.Minute
	reconcileTimeout  = 15 * time.Second

	// InterruptedMessage is persisted on bots whose provisioning never finished.
	InterruptedMessage = "provisioning interrupted; delete and recreate the bot"
)

// Bots is the slice of the orchestrator the controller drives.
type Bots interface {
	ListStale(ctx context.Context, before time.Time) ([]domain.Bot, error)
	MarkFailed(ctx context.Context, id int64, message string) (bool, error)
}

// Controller moves bots stuck in creating to error. A pipeline that dies with its
// process leaves its record in creating forever; nothing resumes it.
type Controller struct {
	bots       Bots
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration

	now func() time.Time
}

// New constructs a controller. It returns nil when bots is nil.
func New(bots Bots, logger *slog.Logger, interval, staleAfter time.Duration) *Controller {
	if bots == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		bots:       bots,
		logger:     logger.With("component", "reconciler"),
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("reconciler started", "interval", c.interval, "stale_after", c.staleAfter)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) int {
	timeout := reconcileTimeout
	if c.interval < timeout {
		timeout = c.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cutoff := c.now().Add(-c.staleAfter)
	stale, err := c.bots.ListStale(ctx, cutoff)
	if err != nil {
		c.logger.Warn("failed to list stale bots", "error", err)
		return 0
	}
	marked := 0
	for _, bot := range stale {
		ok, err := c.bots.MarkFailed(ctx, bot.ID, InterruptedMessage)
		if err != nil {
			c.logger.Warn("failed to mark stale bot", "bot_id", bot.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		marked++
		c.logger.Warn("stale bot marked as failed", "bot_id", bot.ID, "name", bot.Name,
			"idle", c.now().Sub(bot.UpdatedAt).Truncate(time.Second).String())
	}
	return marked
}
