package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
)

type recorder struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (r *recorder) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.payloads = append(r.payloads, p)
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHubRoutesEventsByOwner(t *testing.T) {
	hub := NewHub(quietLogger())
	defer hub.Stop()

	mine, theirs := &recorder{}, &recorder{}
	hub.Register(1, mine)
	hub.Register(2, theirs)

	hub.Publish(domain.BotEvent{BotID: 9, OwnerID: 1, Name: "funbot", Status: "active", PublicURL: "https://t.me/funbot"})

	require.Eventually(t, func() bool { return mine.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, theirs.count())

	var got map[string]any
	require.NoError(t, json.Unmarshal(mine.payloads[0], &got))
	assert.Equal(t, float64(9), got["bot_id"])
	assert.Equal(t, "active", got["status"])
	assert.NotContains(t, got, "OwnerID")
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub(quietLogger())
	defer hub.Stop()

	broken := &recorder{fail: true}
	hub.Register(1, broken)
	hub.Broadcast(1, []byte(`{}`))

	require.Eventually(t, broken.isClosed, time.Second, 5*time.Millisecond)
}

func TestHubStopClosesSubscribers(t *testing.T) {
	hub := NewHub(quietLogger())
	sub := &recorder{}
	hub.Register(3, sub)
	hub.Stop()

	require.Eventually(t, sub.isClosed, time.Second, 5*time.Millisecond)
	// calls after stop must not block
	hub.Broadcast(3, []byte(`{}`))
	hub.Unregister(3, sub)
}

func TestSSEClientFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	c := NewSSEClient(rec, rec, quietLogger())

	require.NoError(t, c.Send([]byte(`{"status":"creating"}`)))
	require.NoError(t, c.Heartbeat())
	require.NoError(t, c.Send([]byte(`{"status":"active"}`)))

	body := rec.Body.String()
	assert.Equal(t, "id: 1\nevent: bot\ndata: {\"status\":\"creating\"}\n\n: ping\n\nid: 2\nevent: bot\ndata: {\"status\":\"active\"}\n\n", body)

	c.Close()
	assert.ErrorIs(t, c.Send([]byte("x")), io.EOF)
}

func TestClientDeliversOverWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	hub := NewHub(quietLogger())
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(conn, quietLogger())
		hub.Register(5, client)
		defer hub.Unregister(5, client)
		client.ReadLoop()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// keep publishing until the server side has registered the client
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Publish(domain.BotEvent{BotID: 1, OwnerID: 5, Status: "error", ErrorMessage: "build failed"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"error_message":"build failed"`)
}
