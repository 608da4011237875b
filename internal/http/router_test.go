package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/repository/memory"
	"github.com/helGmoro/tardiaplataforma-code/internal/service/auth"
	"github.com/helGmoro/tardiaplataforma-code/internal/service/bot"
	"github.com/helGmoro/tardiaplataforma-code/internal/ws"
)

type fakeBots struct {
	mu        sync.Mutex
	bots      map[int64]domain.Bot
	created   []bot.CreateInput
	deleteErr error
}

func newFakeBots() *fakeBots {
	return &fakeBots{bots: make(map[int64]domain.Bot)}
}

func (f *fakeBots) Create(_ context.Context, in bot.CreateInput) (*domain.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := domain.ValidateBotName(in.Name); err != nil {
		return nil, err
	}
	f.created = append(f.created, in)
	b := domain.Bot{
		ID:           int64(len(f.bots) + 1),
		OwnerID:      in.OwnerID,
		Name:         in.Name,
		Token:        in.Token,
		Capabilities: in.Capabilities,
		Status:       domain.BotStatusCreating,
		CreatedAt:    time.Now(),
	}
	f.bots[b.ID] = b
	return &b, nil
}

func (f *fakeBots) List(_ context.Context, ownerID int64) ([]domain.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Bot
	for _, b := range f.bots {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBots) Get(_ context.Context, ownerID, id int64) (*domain.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok || b.OwnerID != ownerID {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (f *fakeBots) Delete(ctx context.Context, ownerID, id int64) error {
	if _, err := f.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bots, id)
	return nil
}

type testEnv struct {
	router *Router
	bots   *fakeBots
	auth   auth.Service
	hub    *ws.Hub
	health map[string]HealthCheck
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &testEnv{
		bots:   newFakeBots(),
		auth:   auth.New(memory.New(), logger, "secret", time.Hour),
		hub:    ws.NewHub(logger),
		health: map[string]HealthCheck{"database": func(context.Context) error { return nil }},
	}
	reg := prometheus.NewRegistry()
	env.router = NewRouter(Deps{
		Logger:     logger,
		Auth:       env.auth,
		Bots:       env.bots,
		Hub:        env.hub,
		Health:     env.health,
		Debug:      func() map[string]any { return map[string]any{"runtime": map[string]any{"backend": "kubernetes"}} },
		Registerer: reg,
		Gatherer:   reg,
	})
	t.Cleanup(func() {
		env.router.Close()
		env.hub.Stop()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, email string) (string, int64) {
	t.Helper()
	session, err := e.auth.Register(context.Background(), email, "secret1")
	require.NoError(t, err)
	return session.AccessToken, session.User.ID
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))

	env.health["docker"] = func(context.Context) error { return errors.New("daemon unreachable") }
	rec = env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "degraded", body["status"])
	docker := body["components"].(map[string]any)["docker"].(map[string]any)
	assert.Equal(t, "daemon unreachable", docker["error"])
}

func TestRegisterAndLoginEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "ana@example.com", "password": "secret1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decode[map[string]any](t, rec)["token"])

	rec = env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "ana@example.com", "password": "secret1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ana@example.com", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ana@example.com", "password": "secret1"})
	require.Equal(t, http.StatusOK, rec.Code)
	user := decode[map[string]any](t, rec)["user"].(map[string]any)
	assert.Equal(t, "ana@example.com", user["email"])
}

func TestBotsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/bots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/bots", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateBotMasksTokenAndReturnsCreating(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.login(t, "ana@example.com")

	rec := env.do(t, http.MethodPost, "/api/bots", token, map[string]any{
		"name": "weatherbot", "token": "123456789:ABCdef", "services": []string{"clima"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode[botResponse](t, rec)
	assert.Equal(t, "creating", body.Status)
	assert.Equal(t, "123456…", body.Token)
	assert.Equal(t, "/api/bots/1", rec.Header().Get("Location"))

	require.Len(t, env.bots.created, 1)
	assert.Equal(t, userID, env.bots.created[0].OwnerID)
	assert.Equal(t, []string{"clima"}, env.bots.created[0].Capabilities)
}

func TestCreateBotAliasAcceptsServicios(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.login(t, "ana@example.com")

	rec := env.do(t, http.MethodPost, "/api/crear-bot", token, map[string]any{
		"name": "newsbot", "token": "1:a", "servicios": []string{"noticias", "ia"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"noticias", "ia"}, env.bots.created[0].Capabilities)
}

func TestCreateBotValidationError(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.login(t, "ana@example.com")

	rec := env.do(t, http.MethodPost, "/api/bots", token, map[string]any{"name": "weather", "token": "1:a", "services": []string{"clima"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `name must end with "bot"`, decode[map[string]string](t, rec)["error"])

	req := httptest.NewRequest(http.MethodPost, "/api/bots", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+token)
	raw := httptest.NewRecorder()
	env.router.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestGetAndDeleteBot(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.login(t, "ana@example.com")
	stranger, _ := env.login(t, "eve@example.com")

	rec := env.do(t, http.MethodPost, "/api/bots", owner, map[string]any{"name": "funbot", "token": "1:a", "services": []string{"ia"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/bots/1", owner, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/bots/1", stranger, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/bots/abc", owner, nil).Code)

	list := decode[[]botResponse](t, env.do(t, http.MethodGet, "/api/bots", owner, nil))
	require.Len(t, list, 1)
	assert.Equal(t, "funbot", list[0].Name)

	env.bots.deleteErr = fmt.Errorf("%w: creation still in progress", domain.ErrBusy)
	rec = env.do(t, http.MethodDelete, "/api/bots/1", owner, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	env.bots.deleteErr = nil
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/api/bots/1", owner, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/bots/1", owner, nil).Code)
}

func TestRegisterIsRateLimited(t *testing.T) {
	env := newTestEnv(t)
	var last int
	for i := 0; i <= rateLimitRegister; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
			"email": fmt.Sprintf("user%d@example.com", i), "password": "secret1",
		})
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", "", nil)

	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cloudbot_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestDebugRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/debug", "", nil).Code)

	token, _ := env.login(t, "ana@example.com")
	rec := env.do(t, http.MethodGet, "/api/debug", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Contains(t, body, "process")
	assert.Equal(t, "kubernetes", body["runtime"].(map[string]any)["backend"])
}

func TestBotEventsStream(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.login(t, "ana@example.com")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/bots/events?access_token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// registration races the first publish, so keep publishing until a frame arrives
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				env.hub.Publish(domain.BotEvent{BotID: 3, OwnerID: userID, Name: "funbot", Status: "active"})
			}
		}
	}()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, `"status":"active"`)
			return
		}
	}
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", maskToken(""))
	assert.Equal(t, "1:a…", maskToken("1:a"))
	assert.Equal(t, "123456…", maskToken("123456:ABC-DEF"))
}
