package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mdbroker/internal/distribution"
	"mdbroker/internal/entitlement"
	"mdbroker/internal/identifier"
	"mdbroker/internal/model"
	"mdbroker/internal/model/enum"
	"mdbroker/internal/normalize"
	"mdbroker/internal/obs"
	"mdbroker/internal/protocol"
	"mdbroker/internal/session"
	"mdbroker/internal/subscription"
	"mdbroker/internal/topic"
	"mdbroker/internal/upstream"
	"mdbroker/pkg/uds"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var eq001 = model.NewCanonicalID("BUID", "EQ001")

type stack struct {
	manager *subscription.Manager
	hub     *session.Hub
	gateway *Gateway
}

func newStack(t *testing.T, cfg Config) *stack {
	t.Helper()
	mem := identifier.NewMemorySource()
	mem.Add(eq001, model.NewExternalID("TICKER", "AAPL"))
	ids, err := identifier.NewResolver("BUID", mem)
	require.NoError(t, err)

	raw, err := normalize.NewRuleSet("RAW")
	require.NoError(t, err)
	rules, err := normalize.NewRegistry(raw)
	require.NoError(t, err)

	resolver, err := distribution.NewResolver(ids, rules, topic.Namer{})
	require.NoError(t, err)

	sim, err := upstream.NewSimulator(upstream.SimulatorConfig{Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	metrics := obs.NewMetrics()
	manager, err := subscription.NewManager(sim, subscription.Config{Metrics: metrics})
	require.NoError(t, err)

	hub, err := session.NewHub(session.Config{}, session.Deps{
		Resolver: resolver,
		Checker:  entitlement.AllowAll{},
		Manager:  manager,
		Metrics:  metrics,
	})
	require.NoError(t, err)

	gw, err := New(cfg, Deps{
		Sessions:      hub,
		Subscriptions: manager,
		Resolver:      resolver,
		Metrics:       metrics,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		hub.Close()
		manager.Close()
		sim.Close()
	})
	return &stack{manager: manager, hub: hub, gateway: gw}
}

type wsClient struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.JSON
}

func dialStream(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg protocol.Message) {
	c.t.Helper()
	frame, err := c.codec.Encode(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *wsClient) recv() protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	require.Equal(c.t, websocket.TextMessage, kind)
	msg, err := c.codec.Decode(data)
	require.NoError(c.t, err)
	return msg
}

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, sonic.ConfigStd.Unmarshal(body, v))
}

func post(t *testing.T, srv *httptest.Server, path, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestStreamSubscribeAndInject(t *testing.T) {
	st := newStack(t, Config{})
	srv := httptest.NewServer(st.gateway.Handler())
	defer srv.Close()

	c := dialStream(t, srv)
	c.send(protocol.ConnectionRequest{UserName: "alice"})
	conn, ok := c.recv().(protocol.ConnectionResponse)
	require.True(t, ok)
	require.Equal(t, enum.ConnectionNewSuccess, conn.Result)

	c.send(protocol.SubscribeRequest{
		CorrelationID:       1,
		ExternalID:          model.NewBundle(model.NewExternalID("TICKER", "AAPL")),
		NormalizationScheme: "RAW",
	})
	sub, ok := c.recv().(protocol.SubscriptionResponse)
	require.True(t, ok)
	require.Equal(t, enum.StatusSuccess, sub.Status)
	assert.Contains(t, sub.Snapshot, upstream.FieldLast)

	update, ok := c.recv().(protocol.UpdateMessage)
	require.True(t, ok)
	assert.Equal(t, model.CorrelationID(1), update.CorrelationID)

	var stats []subscription.Stat
	getJSON(t, srv, "/subscriptions", &stats)
	require.Len(t, stats, 1)
	assert.Equal(t, "BUID.EQ001.RAW", stats[0].Topic)
	assert.Equal(t, 1, stats[0].RefCount)

	var sessions []session.Info
	getJSON(t, srv, "/sessions", &sessions)
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].UserName)
	assert.Equal(t, "json", sessions[0].Codec)

	status, body := post(t, srv, "/inject", `{"identifiers":["BUID~EQ001"],"ruleSet":"RAW","fields":{"NOTE":"halt"}}`)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), "BUID.EQ001.RAW")

	found := false
	for i := 0; i < 500 && !found; i++ {
		msg, ok := c.recv().(protocol.UpdateMessage)
		require.True(t, ok)
		found = msg.Fields["NOTE"] == "halt"
	}
	assert.True(t, found)

	var health healthResponse
	getJSON(t, srv, "/health", &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Sessions)
	assert.Equal(t, 1, health.Subscriptions)

	var metrics obs.Snapshot
	getJSON(t, srv, "/metrics", &metrics)
	assert.Equal(t, uint64(1), metrics.SubscribeSuccess)
	assert.Equal(t, uint64(1), metrics.Injections)
}

func TestInjectFailures(t *testing.T) {
	st := newStack(t, Config{})
	srv := httptest.NewServer(st.gateway.Handler())
	defer srv.Close()

	testCases := []struct {
		desc     string
		body     string
		expected int
	}{
		{desc: "bad body", body: `{`, expected: http.StatusBadRequest},
		{desc: "bad identifier", body: `{"identifiers":["nope"],"ruleSet":"RAW","fields":{"A":1}}`, expected: http.StatusBadRequest},
		{desc: "no identifiers", body: `{"ruleSet":"RAW","fields":{"A":1}}`, expected: http.StatusBadRequest},
		{desc: "unknown rule set", body: `{"identifiers":["BUID~EQ001"],"ruleSet":"NOPE","fields":{"A":1}}`, expected: http.StatusNotFound},
		{desc: "unresolvable", body: `{"identifiers":["TICKER~ZZZZ"],"ruleSet":"RAW","fields":{"A":1}}`, expected: http.StatusNotFound},
		{desc: "no subscription", body: `{"identifiers":["BUID~EQ001"],"ruleSet":"RAW","fields":{"A":1}}`, expected: http.StatusConflict},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			status, body := post(t, srv, "/inject", tc.body)
			assert.Equal(t, tc.expected, status, string(body))
		})
	}
}

func TestStreamRejectsUnknownCodec(t *testing.T) {
	st := newStack(t, Config{})
	srv := httptest.NewServer(st.gateway.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream?codec=xml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnixSocketTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.sock")
	st := newStack(t, Config{UDSPath: path})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- st.gateway.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	rw, rwCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rwCancel()

	client, err := uds.NewClient(path, 0)
	require.NoError(t, err)
	conn, err := client.Dial(rw)
	require.NoError(t, err)
	defer conn.Close()

	codec, err := protocol.NewCBOR()
	require.NoError(t, err)
	send := func(msg protocol.Message) {
		frame, err := codec.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, conn.WriteFrame(rw, frame))
	}
	recv := func() protocol.Message {
		frame, err := conn.ReadFrame(rw)
		require.NoError(t, err)
		msg, err := codec.Decode(frame)
		require.NoError(t, err)
		return msg
	}

	send(protocol.ConnectionRequest{UserName: "bob"})
	resp, ok := recv().(protocol.ConnectionResponse)
	require.True(t, ok)
	require.Equal(t, enum.ConnectionNewSuccess, resp.Result)

	send(protocol.SubscribeRequest{
		CorrelationID:       9,
		ExternalID:          model.NewBundle(model.NewExternalID("TICKER", "AAPL")),
		NormalizationScheme: "RAW",
	})
	sub, ok := recv().(protocol.SubscriptionResponse)
	require.True(t, ok)
	require.Equal(t, enum.StatusSuccess, sub.Status)
	require.Len(t, st.manager.Stats(), 1)
	assert.Equal(t, "cbor", st.hub.Sessions()[0].Codec)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not stop")
	}
	assert.Empty(t, st.manager.Stats())
	assert.Empty(t, st.hub.Sessions())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
