package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
)

type testBots struct {
	stale    []domain.Bot
	listErr  error
	busy     map[int64]bool
	marked   map[int64]string
	cutoffs  []time.Time
	markErrs map[int64]error
}

func (b *testBots) ListStale(_ context.Context, before time.Time) ([]domain.Bot, error) {
	b.cutoffs = append(b.cutoffs, before)
	return b.stale, b.listErr
}

func (b *testBots) MarkFailed(_ context.Context, id int64, message string) (bool, error) {
	if err := b.markErrs[id]; err != nil {
		return false, err
	}
	if b.busy[id] {
		return false, nil
	}
	if b.marked == nil {
		b.marked = make(map[int64]string)
	}
	b.marked[id] = message
	return true, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestControllerMarksStaleBots(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bots := &testBots{
		stale: []domain.Bot{
			{ID: 1, Name: "stalebot", Status: domain.BotStatusCreating, UpdatedAt: now.Add(-time.Hour)},
			{ID: 2, Name: "busybot", Status: domain.BotStatusCreating, UpdatedAt: now.Add(-time.Hour)},
			{ID: 3, Name: "flakybot", Status: domain.BotStatusCreating, UpdatedAt: now.Add(-time.Hour)},
		},
		busy:     map[int64]bool{2: true},
		markErrs: map[int64]error{3: errors.New("db down")},
	}

	ctrl := New(bots, discard(), time.Second, 15*time.Minute)
	ctrl.now = func() time.Time { return now }

	if got := ctrl.runIteration(context.Background()); got != 1 {
		t.Fatalf("expected 1 bot marked, got %d", got)
	}
	if msg := bots.marked[1]; msg != InterruptedMessage {
		t.Fatalf("unexpected message for bot 1: %q", msg)
	}
	if _, ok := bots.marked[2]; ok {
		t.Fatalf("busy bot must not be marked")
	}
	if len(bots.cutoffs) != 1 || !bots.cutoffs[0].Equal(now.Add(-15*time.Minute)) {
		t.Fatalf("unexpected cutoff %v", bots.cutoffs)
	}
}

func TestControllerToleratesListFailure(t *testing.T) {
	bots := &testBots{listErr: errors.New("connection refused")}
	ctrl := New(bots, discard(), time.Second, time.Minute)
	if got := ctrl.runIteration(context.Background()); got != 0 {
		t.Fatalf("expected nothing marked, got %d", got)
	}
}

func TestControllerRunStopsOnCancel(t *testing.T) {
	bots := &testBots{}
	ctrl := New(bots, discard(), 5*time.Millisecond, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestNewReturnsNilWithoutBots(t *testing.T) {
	if New(nil, discard(), 0, 0) != nil {
		t.Fatal("expected nil controller")
	}
}
