package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helGmoro/tardiaplataforma-code/internal/docker"
	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository/memory"
	"github.com/helGmoro/tardiaplataforma-code/internal/runtime"
	"github.com/helGmoro/tardiaplataforma-code/internal/workspace"
	"github.com/helGmoro/tardiaplataforma-code/pkg/config"
)

type fakeBuilder struct {
	mu    sync.Mutex
	tags  []string
	err   error
	block chan struct{}
}

func (f *fakeBuilder) BuildImage(ctx context.Context, dir, tag string) (docker.BuildOutput, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return docker.BuildOutput{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags = append(f.tags, tag)
	if f.err != nil {
		return docker.BuildOutput{}, f.err
	}
	return docker.BuildOutput{ImageTag: tag, ImageID: "sha256:feed"}, nil
}

func (f *fakeBuilder) builtTags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tags...)
}

type fakeRuntime struct {
	mu           sync.Mutex
	applied      []runtime.Request
	tornDown     []runtime.Ref
	applyErr     error
	readyErr     error
	teardownErr  error
	teardownWait time.Duration
}

func (f *fakeRuntime) Apply(_ context.Context, req runtime.Request) (runtime.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return runtime.Ref{}, f.applyErr
	}
	f.applied = append(f.applied, req)
	return runtime.RefFor(req), nil
}

func (f *fakeRuntime) AwaitReady(context.Context, runtime.Ref, time.Duration) error {
	return f.readyErr
}

func (f *fakeRuntime) Teardown(ctx context.Context, ref runtime.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.teardownWait > 0 {
		select {
		case <-time.After(f.teardownWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.tornDown = append(f.tornDown, ref)
	return f.teardownErr
}

func (f *fakeRuntime) RenderManifest(req runtime.Request) ([]byte, error) {
	return []byte("kind: Deployment\nname: " + req.DeploymentName + "\n"), nil
}

func (f *fakeRuntime) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.BotEvent
}

func (p *recordingPublisher) Publish(e domain.BotEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Status)
	}
	return out
}

// deadlineStore fails reads and deletes once their context is done, like a real
// database driver would.
type deadlineStore struct {
	*memory.Store
}

func (s deadlineStore) GetBot(ctx context.Context, id int64) (*domain.Bot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetBot(ctx, id)
}

func (s deadlineStore) DeleteBot(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.DeleteBot(ctx, id)
}

type harness struct {
	svc       *Service
	store     *memory.Store
	builder   *fakeBuilder
	runtime   *fakeRuntime
	events    *recordingPublisher
	workspace *workspace.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithRepo(t, nil)
}

// newHarnessWithRepo lets a test wrap the backing store; wrap may be nil.
func newHarnessWithRepo(t *testing.T, wrap func(*memory.Store) repository.BotRepository) *harness {
	t.Helper()
	template := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(template, "package.json"), []byte(`{"name":"template","description":"x","version":"1.0.0"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(template, "index.js"), []byte("console.log('hi')\n"), 0o644))

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	mat, err := workspace.NewMaterializer(ws, template, config.PlatformSecrets{})
	require.NoError(t, err)

	h := &harness{
		store:     memory.New(),
		builder:   &fakeBuilder{},
		runtime:   &fakeRuntime{},
		events:    &recordingPublisher{},
		workspace: ws,
	}
	var repo repository.BotRepository = h.store
	if wrap != nil {
		repo = wrap(h.store)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = New(context.Background(), repo, mat, h.builder, h.runtime, Config{
		Namespace:        "bot-platform",
		ReadinessTimeout: time.Second,
	}, logger, WithPublisher(h.events), WithRegisterer(prometheus.NewRegistry()))
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Wait(ctx))
}

func createInput(name string) CreateInput {
	return CreateInput{OwnerID: 7, Name: name, Token: "123456:ABC-def_9", Capabilities: []string{"clima", "ia"}}
}

func TestCreateEndToEndActivatesBot(t *testing.T) {
	h := newHarness(t)

	bot, err := h.svc.Create(context.Background(), createInput("funbot"))
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusCreating, bot.Status)
	h.wait(t)

	got, err := h.svc.Get(context.Background(), 7, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusActive, got.Status)
	assert.Equal(t, "https://t.me/funbot", got.PublicURL)
	assert.Equal(t, "http://funbot-service.bot-platform.svc.cluster.local", got.InternalAddress)
	assert.Equal(t, "bot-platform/bot-funbot-1/funbot-service", got.ClusterReference)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, []string{"clima", "ia"}, got.Capabilities)

	assert.Equal(t, []string{"funbot-1:latest"}, h.builder.builtTags())
	require.Equal(t, 1, h.runtime.appliedCount())
	assert.Equal(t, "bot-funbot-1", h.runtime.applied[0].DeploymentName)

	dir, err := h.workspace.Path("1")
	require.NoError(t, err)
	manifest, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "bot-funbot-1")

	assert.Equal(t, []string{"creating", "active"}, h.events.statuses())
	assert.False(t, h.svc.InFlight(bot.ID))
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	cases := map[string]CreateInput{
		"short name":      createInput("bot"),
		"no bot suffix":   createInput("weather"),
		"bad token":       {OwnerID: 7, Name: "weatherbot", Token: "nope", Capabilities: []string{"clima"}},
		"unknown service": {OwnerID: 7, Name: "weatherbot", Token: "1:a", Capabilities: []string{"crypto"}},
		"no services":     {OwnerID: 7, Name: "weatherbot", Token: "1:a"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Create(context.Background(), in)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	bots, err := h.store.ListBotsByOwner(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, bots)
}

func TestCreateEnforcesQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		b := &domain.Bot{OwnerID: 7, Name: "quotabot" + strings.Repeat("x", i) + "bot", Status: domain.BotStatusActive}
		require.NoError(t, h.store.CreateBot(ctx, b))
	}

	_, err := h.svc.Create(ctx, createInput("overflowbot"))
	require.ErrorIs(t, err, domain.ErrValidation)

	count, err := h.store.CountBotsByOwner(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 20, count)
	assert.Empty(t, h.builder.builtTags())
}

func TestCreateRejectsDuplicateNameCaseInsensitive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateBot(ctx, &domain.Bot{OwnerID: 7, Name: "newsbot", Status: domain.BotStatusActive}))

	_, err := h.svc.Create(ctx, createInput("NewsBot"))
	require.ErrorIs(t, err, domain.ErrValidation)

	// another owner may reuse the name
	other := createInput("newsbot")
	other.OwnerID = 8
	_, err = h.svc.Create(ctx, other)
	require.NoError(t, err)
	h.wait(t)
}

func TestBuildFailureMarksErrorWithoutApply(t *testing.T) {
	h := newHarness(t)
	h.builder.err = domain.NewStageError(domain.StageBuild, domain.ErrBuild, errors.New("npm ERR! missing script"), "step 3/5")

	bot, err := h.svc.Create(context.Background(), createInput("brokenbot"))
	require.NoError(t, err)
	h.wait(t)

	got, err := h.svc.Get(context.Background(), 7, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "npm ERR! missing script")
	assert.Empty(t, got.ClusterReference)
	assert.Zero(t, h.runtime.appliedCount())
	assert.Equal(t, []string{"creating", "error"}, h.events.statuses())
}

func TestReadinessTimeoutKeepsAppliedObjects(t *testing.T) {
	h := newHarness(t)
	h.runtime.readyErr = domain.NewStageError(domain.StageReadiness, domain.ErrReadinessTimeout, errors.New("not available after 1s"), "")

	bot, err := h.svc.Create(context.Background(), createInput("slowbot"))
	require.NoError(t, err)
	h.wait(t)

	got, err := h.svc.Get(context.Background(), 7, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusError, got.Status)
	assert.Contains(t, got.ErrorMessage, "readiness timeout")
	assert.NotEmpty(t, got.ClusterReference)
	assert.Empty(t, got.PublicURL)
	assert.Empty(t, h.runtime.tornDown)
}

func TestDeleteSurvivesTeardownFailure(t *testing.T) {
	h := newHarness(t)
	bot, err := h.svc.Create(context.Background(), createInput("funbot"))
	require.NoError(t, err)
	h.wait(t)

	h.runtime.teardownErr = errors.New("deployments.apps \"bot-funbot-1\" not found")
	require.NoError(t, h.svc.Delete(context.Background(), 7, bot.ID))

	require.Len(t, h.runtime.tornDown, 1)
	assert.Equal(t, runtime.Ref{Namespace: "bot-platform", DeploymentName: "bot-funbot-1", ServiceName: "funbot-service"}, h.runtime.tornDown[0])

	dir, err := h.workspace.Path("1")
	require.NoError(t, err)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr))

	_, err = h.svc.Get(context.Background(), 7, bot.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, "deleted", h.events.statuses()[len(h.events.statuses())-1])
}

func TestDeleteWithoutClusterReferenceSkipsTeardown(t *testing.T) {
	h := newHarness(t)
	h.builder.err = errors.New("build exploded")
	bot, err := h.svc.Create(context.Background(), createInput("brokenbot"))
	require.NoError(t, err)
	h.wait(t)

	require.NoError(t, h.svc.Delete(context.Background(), 7, bot.ID))
	assert.Empty(t, h.runtime.tornDown)
}

func TestDeleteWaitsForInFlightPipeline(t *testing.T) {
	h := newHarness(t)
	h.builder.block = make(chan struct{})

	bot, err := h.svc.Create(context.Background(), createInput("racebot"))
	require.NoError(t, err)
	assert.True(t, h.svc.InFlight(bot.ID))
	assert.Equal(t, 1, h.svc.Busy())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.svc.Delete(ctx, 7, bot.ID)
	require.ErrorIs(t, err, domain.ErrBusy)

	close(h.builder.block)
	require.NoError(t, h.svc.Delete(context.Background(), 7, bot.ID))
	h.wait(t)

	require.Len(t, h.runtime.tornDown, 1)
	_, err = h.store.GetBot(context.Background(), bot.ID)
	assert.Error(t, err)
}

func TestDeleteCompletesAfterCallerDeadline(t *testing.T) {
	h := newHarnessWithRepo(t, func(s *memory.Store) repository.BotRepository { return deadlineStore{s} })
	bot, err := h.svc.Create(context.Background(), createInput("funbot"))
	require.NoError(t, err)
	h.wait(t)

	h.runtime.teardownWait = 150 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, h.svc.Delete(ctx, 7, bot.ID))
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)

	require.Len(t, h.runtime.tornDown, 1)
	_, err = h.store.GetBot(context.Background(), bot.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, "deleted", h.events.statuses()[len(h.events.statuses())-1])
	assert.False(t, h.svc.InFlight(bot.ID))
}

func TestPipelineKeepsStatusRecordedWhileRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.builder.block = make(chan struct{})

	bot, err := h.svc.Create(ctx, createInput("latebot"))
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateBotStatus(ctx, domain.BotStatusUpdate{
		BotID: bot.ID, Status: domain.BotStatusError, ErrorMessage: "marked failed by operator",
	}))
	close(h.builder.block)
	h.wait(t)

	got, err := h.store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusError, got.Status)
	assert.Equal(t, "marked failed by operator", got.ErrorMessage)
	assert.Empty(t, got.PublicURL)
	assert.Equal(t, 1, h.runtime.appliedCount())
	assert.Equal(t, []string{"creating"}, h.events.statuses())
}

func TestPipelineFailureKeepsStatusRecordedWhileRunning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.builder.block = make(chan struct{})
	h.builder.err = errors.New("build exploded")

	bot, err := h.svc.Create(ctx, createInput("latebot"))
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateBotStatus(ctx, domain.BotStatusUpdate{
		BotID: bot.ID, Status: domain.BotStatusActive, PublicURL: "https://t.me/latebot",
	}))
	close(h.builder.block)
	h.wait(t)

	got, err := h.store.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusActive, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, []string{"creating"}, h.events.statuses())
}

func TestDeleteAndGetAreOwnerScoped(t *testing.T) {
	h := newHarness(t)
	bot, err := h.svc.Create(context.Background(), createInput("funbot"))
	require.NoError(t, err)
	h.wait(t)

	_, err = h.svc.Get(context.Background(), 99, bot.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, h.svc.Delete(context.Background(), 99, bot.ID), domain.ErrNotFound)
	assert.ErrorIs(t, h.svc.Delete(context.Background(), 7, 12345), domain.ErrNotFound)
}

func TestMarkFailedSkipsBusyAndTerminalBots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := &domain.Bot{OwnerID: 7, Name: "stalebot", Status: domain.BotStatusCreating}
	require.NoError(t, h.store.CreateBot(ctx, stale))
	active := &domain.Bot{OwnerID: 7, Name: "livebot", Status: domain.BotStatusActive}
	require.NoError(t, h.store.CreateBot(ctx, active))

	marked, err := h.svc.MarkFailed(ctx, stale.ID, "provisioning interrupted")
	require.NoError(t, err)
	assert.True(t, marked)
	got, err := h.store.GetBot(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BotStatusError, got.Status)
	assert.Equal(t, "provisioning interrupted", got.ErrorMessage)

	marked, err = h.svc.MarkFailed(ctx, active.ID, "provisioning interrupted")
	require.NoError(t, err)
	assert.False(t, marked)

	h.builder.block = make(chan struct{})
	busy, err := h.svc.Create(ctx, createInput("busybot"))
	require.NoError(t, err)
	marked, err = h.svc.MarkFailed(ctx, busy.ID, "provisioning interrupted")
	require.NoError(t, err)
	assert.False(t, marked)
	close(h.builder.block)
	h.wait(t)
}

func TestTruncateKeepsUTF8Boundaries(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab", truncate("abñ", 3))
	long := strings.Repeat("x", MaxErrorMessageBytes+100)
	assert.Len(t, truncate(long, MaxErrorMessageBytes), MaxErrorMessageBytes)
}
