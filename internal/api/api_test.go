package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/charsync/internal/auth"
	"github.com/annel0/charsync/internal/config"
	"github.com/annel0/charsync/internal/eventbus"
	"github.com/annel0/charsync/internal/network"
	"github.com/annel0/charsync/internal/node"
	"github.com/annel0/charsync/internal/vec"
)

type fixture struct {
	server *Server
	node   *node.Node
	issuer *auth.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	opts, err := node.OptionsFromConfig(config.Default())
	require.NoError(t, err)
	n := node.New(network.NewLoopbackHub().Server(), opts)
	require.NoError(t, n.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		n.Run(ctx, 2*time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		n.Close()
	})

	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)
	accounts, err := auth.NewAccountStore(nil)
	require.NoError(t, err)
	_, err = accounts.Create("admin", "admin-pass", true)
	require.NoError(t, err)
	_, err = accounts.Create("bob", "bob-pass", false)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	s := NewServer(Config{
		Backend:    n,
		Accounts:   accounts,
		Issuer:     issuer,
		Webhooks:   NewWebhookManager(16),
		Registerer: reg,
		Gatherer:   reg,
	})
	return &fixture{server: s, node: n, issuer: issuer}
}

func (f *fixture) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) token(t *testing.T, admin bool) string {
	t.Helper()
	name := "bob"
	if admin {
		name = "admin"
	}
	tok, err := f.issuer.Issue(name, admin)
	require.NoError(t, err)
	return tok
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func (f *fixture) spawnNPC(t *testing.T, name string, pos vec.Vec3) {
	t.Helper()
	err := f.node.Do(context.Background(), func(n *node.Node) error {
		_, err := n.SpawnNPC(name, pos)
		return err
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := f.node.Status().Closest(pos, 0)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestHealthAndSession(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.request(t, http.MethodGet, "/api/session", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st map[string]interface{}
	decode(t, w, &st)
	assert.Equal(t, "Lobby", st["state"])
	assert.NotEmpty(t, st["session_id"])
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/login", "", `{"username":"Admin","password":"admin-pass"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp LoginResponse
	decode(t, w, &resp)
	assert.True(t, resp.Success)
	assert.True(t, resp.IsAdmin)

	claims, err := f.issuer.Validate(resp.Token)
	require.NoError(t, err, "выданный токен должен проходить проверку")
	assert.Equal(t, "admin", claims.PlayerName)

	w = f.request(t, http.MethodPost, "/api/login", "", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request(t, http.MethodPost, "/api/login", "", `{"username":"admin"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCharactersAndClosest(t *testing.T) {
	f := newFixture(t)
	f.spawnNPC(t, "near", vec.Vec3{X: 1})
	f.spawnNPC(t, "far", vec.Vec3{X: 10})
	require.Eventually(t, func() bool { return f.node.Status().NPCs == 2 }, time.Second, 5*time.Millisecond)

	w := f.request(t, http.MethodGet, "/api/characters?kind=npc", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		NPCs       int                    `json:"npcs"`
		Characters []node.CharacterStatus `json:"characters"`
	}
	decode(t, w, &list)
	assert.Equal(t, 2, list.NPCs)
	assert.Len(t, list.Characters, 2)

	w = f.request(t, http.MethodGet, "/api/characters/closest?x=9&y=0&z=0", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var closest struct {
		Data struct {
			Character node.CharacterStatus `json:"character"`
			Distance  float64              `json:"distance"`
		} `json:"data"`
	}
	decode(t, w, &closest)
	assert.Equal(t, "far", closest.Data.Character.Name)
	assert.InDelta(t, 1.0, closest.Data.Distance, 1e-9)

	w = f.request(t, http.MethodGet, "/api/characters/closest?x=abc", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.request(t, http.MethodGet, "/api/characters?kind=tree", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/api/stats", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data map[string]interface{} `json:"data"`
	}
	decode(t, w, &resp)
	assert.Contains(t, resp.Data, "server")
	assert.Contains(t, resp.Data, "drops")
}

func TestAdminSessionCommand(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/admin/session/start_now", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code, "без токена")

	w = f.request(t, http.MethodPost, "/api/admin/session/start_now", "garbage", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.request(t, http.MethodPost, "/api/admin/session/start_now", f.token(t, false), "")
	assert.Equal(t, http.StatusForbidden, w.Code, "не администратор")

	w = f.request(t, http.MethodPost, "/api/admin/session/explode", f.token(t, true), "")
	assert.Equal(t, http.StatusConflict, w.Code, "неизвестная команда")

	w = f.request(t, http.MethodPost, "/api/admin/session/start_countdown", f.token(t, true), `{"duration":30}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Eventually(t, func() bool { return f.node.Status().State == "Countdown" }, time.Second, 5*time.Millisecond)
	assert.Greater(t, f.node.Status().Countdown, 20.0)
}

func TestAdminSpawnAndDespawn(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, true)

	w := f.request(t, http.MethodPost, "/api/admin/npcs", admin, `{"name":"horse","x":2}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Data struct {
			ID uint64 `json:"id"`
		} `json:"data"`
	}
	decode(t, w, &resp)
	require.NotZero(t, resp.Data.ID)

	w = f.request(t, http.MethodDelete, "/api/admin/characters/"+jsonNumber(resp.Data.ID), admin, "")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Eventually(t, func() bool { return f.node.Status().NPCs == 0 }, time.Second, 5*time.Millisecond)
}

func jsonNumber(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.request(t, http.MethodGet, "/health", "", "")
	w := f.request(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "charsync_api")
}

func TestWebhookForwarding(t *testing.T) {
	received := make(chan *http.Request, 4)
	bodies := make(chan []byte, 4)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	bus := eventbus.NewMemoryBus(16)
	defer bus.Close()
	m := NewWebhookManager(16)
	require.NoError(t, m.Start(context.Background(), bus))
	defer m.Stop()

	m.Add(Webhook{Name: "ops", URL: target.URL, Secret: "s3cr3t", Events: []string{eventbus.TypeCharacterSpawned}})
	m.Add(Webhook{Name: "other", URL: target.URL, Events: []string{eventbus.TypeWorldEvent}})

	ev, err := eventbus.NewEnvelope("server", "s-1", eventbus.TypeCharacterSpawned, 3, map[string]interface{}{"name": "alice"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), ev))

	select {
	case r := <-received:
		body := <-bodies
		assert.Equal(t, Sign(body, "s3cr3t"), r.Header.Get(SignatureHeader))
		var got WebhookEvent
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, eventbus.TypeCharacterSpawned, got.EventType)
		assert.Equal(t, "s-1", got.Session)
		assert.Equal(t, "alice", got.Data["name"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook не получил событие")
	}

	require.Eventually(t, func() bool {
		list := m.List()
		return len(list) == 2 && list[0].LastUsed != nil
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, m.List()[1].LastUsed, "второй webhook не подписан на это событие")
}

func TestAdminWebhooksCRUD(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, true)

	w := f.request(t, http.MethodPost, "/api/admin/webhooks", admin, `{"name":"ops","url":"http://127.0.0.1:1/hook","events":["*"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = f.request(t, http.MethodGet, "/api/admin/webhooks", admin, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ops"`)

	w = f.request(t, http.MethodDelete, "/api/admin/webhooks/1", admin, "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.request(t, http.MethodDelete, "/api/admin/webhooks/1", admin, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
