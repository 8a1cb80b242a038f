package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"deeperhub/internal/clockid"
	"deeperhub/internal/config"
	"deeperhub/internal/dispatch"
	"deeperhub/internal/userstore"
)

// fakeUsers is an in-memory userstore.Store for the integration test,
// standing in for the Postgres-backed GormStore main() wires in
// production.
type fakeUsers struct {
	byUsername map[string]*userstore.User
	byID       map[string]*userstore.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byUsername: map[string]*userstore.User{}, byID: map[string]*userstore.User{}}
}

func (f *fakeUsers) Create(ctx context.Context, u *userstore.User) error {
	f.byUsername[u.Username] = u
	f.byID[u.ID] = u
	return nil
}
func (f *fakeUsers) Get(ctx context.Context, id string) (*userstore.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, userstore.ErrNotFound
	}
	return u, nil
}
func (f *fakeUsers) GetByUsername(ctx context.Context, username string) (*userstore.User, error) {
	u, ok := f.byUsername[username]
	if !ok {
		return nil, userstore.ErrNotFound
	}
	return u, nil
}
func (f *fakeUsers) Update(ctx context.Context, u *userstore.User) error {
	f.byID[u.ID] = u
	f.byUsername[u.Username] = u
	return nil
}
func (f *fakeUsers) Delete(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}
func (f *fakeUsers) List(ctx context.Context, limit, offset int) ([]userstore.User, error) {
	var out []userstore.User
	for _, u := range f.byID {
		out = append(out, *u)
	}
	return out, nil
}

func testConfig() config.Config {
	return config.Config{
		Addr:               ":0",
		AccessTokenTTL:      time.Hour,
		RefreshTokenTTL:     time.Hour,
		RememberMeTTL:       time.Hour,
		InactivityTimeout:   time.Hour,
		MaxSessionsPerUser:  5,
		MaxFrameBytes:       1 << 20,
		IdleTimeout:         time.Hour,
		HeartbeatInterval:   time.Hour,
		RateLimitWindow:     10 * time.Second,
		RateLimitMax:        1000,
		LockoutDuration:     900 * time.Millisecond,
		BruteForceMaxAttempts: 5,
		BruteForceWindow:    5 * time.Minute,
		AllowedOrigins:      nil,
		CSRFRequired:        false,
		JWTSigningKey:       []byte("test-signing-key"),
		JWTAlgorithm:        "HS256",
		Issuer:              "deeperhub-test",
	}
}

func newTestServer(t *testing.T, users *fakeUsers, cfg config.Config) (*httptest.Server, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := buildServer(cfg, users, clockid.System(), logger)
	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return ts, wsURL
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialWithHeader(t *testing.T, wsURL string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recvEnvelope(t *testing.T, conn *websocket.Conn) dispatch.Outbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var o dispatch.Outbound
	if err := conn.ReadJSON(&o); err != nil {
		t.Fatalf("read: %v", err)
	}
	return o
}

func seedUser(t *testing.T, users *fakeUsers, id, username, password string) {
	t.Helper()
	pw := userstore.NewPasswordService()
	hash, salt, params, algo, ver, err := pw.Hash(password)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	users.Create(context.Background(), &userstore.User{
		ID: id, Username: username, PasswordHash: hash, Salt: salt,
		ParamsJSON: params, Algo: algo, PasswordVer: ver, IsActive: true,
	})
}

// TestHappyPathAuthThenEcho covers scenario 1: auth with valid
// credentials, then an echo round trip on the now-authenticated
// connection.
func TestHappyPathAuthThenEcho(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "u_alice", "alice", "Secret!1")
	_, wsURL := newTestServer(t, users, testConfig())
	conn := dial(t, wsURL)

	sendJSON(t, conn, map[string]any{"type": "auth", "ref": "1", "payload": map[string]string{"username": "alice", "password": "Secret!1"}})
	out := recvEnvelope(t, conn)
	if out.Type != "auth.success" || out.Ref != "1" {
		t.Fatalf("expected auth.success, got %+v", out)
	}

	sendJSON(t, conn, map[string]any{"type": "echo", "ref": "2", "payload": map[string]string{"message": "hi"}})
	echoOut := recvEnvelope(t, conn)
	if echoOut.Type != "echo.response" || echoOut.Ref != "2" {
		t.Fatalf("expected echo.response, got %+v", echoOut)
	}
	payload, _ := echoOut.Payload.(map[string]any)
	if payload["message"] != "hi" || payload["timestamp"] == nil {
		t.Fatalf("unexpected echo payload: %+v", payload)
	}
}

// TestCSRFRequiredByDefaultAllowsBootstrapAndReconnect exercises the
// request gate's CSRF stage under csrf_required=true, the config
// default (internal/config.Load) rather than the relaxed setting the
// other scenario tests use: a first-time connection has no session yet
// to mint a token against and must still be let through so a client
// can reach auth at all, auth.success must hand back a csrf_token tied
// to the new session, and a reconnect must present both the session_id
// and that token to pass, or be rejected.
func TestCSRFRequiredByDefaultAllowsBootstrapAndReconnect(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "u_dana", "dana", "pw-dana-123")
	cfg := testConfig()
	cfg.CSRFRequired = true
	_, wsURL := newTestServer(t, users, cfg)

	conn := dial(t, wsURL)
	sendJSON(t, conn, map[string]any{"type": "auth", "ref": "1", "payload": map[string]string{"username": "dana", "password": "pw-dana-123"}})
	out := recvEnvelope(t, conn)
	if out.Type != "auth.success" {
		t.Fatalf("expected auth.success on first connect under default csrf_required, got %+v", out)
	}
	payload, _ := out.Payload.(map[string]any)
	sessionID, _ := payload["session_id"].(string)
	csrfToken, _ := payload["csrf_token"].(string)
	if sessionID == "" || csrfToken == "" {
		t.Fatalf("expected session_id and csrf_token in auth.success, got %+v", payload)
	}
	conn.Close()

	goodHeader := http.Header{}
	goodHeader.Set("x-session-id", sessionID)
	goodHeader.Set("x-csrf-token", csrfToken)
	reconn := dialWithHeader(t, wsURL, goodHeader)
	sendJSON(t, reconn, map[string]any{"type": "heartbeat", "ref": "hb"})
	hbOut := recvEnvelope(t, reconn)
	if hbOut.Type != "heartbeat" {
		t.Fatalf("expected heartbeat reply on reconnect with valid session/csrf pair, got %+v", hbOut)
	}
	reconn.Close()

	badHeader := http.Header{}
	badHeader.Set("x-session-id", sessionID)
	badHeader.Set("x-csrf-token", "not-the-right-token")
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, badHeader); err == nil {
		t.Fatalf("expected reconnect with a wrong csrf token to be rejected")
	}
}

// TestBruteForceLockout covers scenario 2: six consecutive wrong-password
// auth attempts for the same user lock out the sixth, and a correct
// password during lockout still fails.
func TestBruteForceLockout(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "u_bob", "bob", "correct-horse")
	_, wsURL := newTestServer(t, users, testConfig())
	conn := dial(t, wsURL)

	attempt := func(password string) map[string]any {
		sendJSON(t, conn, map[string]any{"type": "auth", "payload": map[string]string{"username": "bob", "password": password}})
		out := recvEnvelope(t, conn)
		p, _ := out.Payload.(map[string]any)
		return p
	}

	for i := 0; i < 5; i++ {
		p := attempt("wrong")
		if p["reason"] != "invalid_credentials" {
			t.Fatalf("attempt %d: expected invalid_credentials, got %v", i+1, p)
		}
	}
	locked := attempt("wrong")
	if locked["reason"] != "account_locked" {
		t.Fatalf("expected sixth attempt locked, got %v", locked)
	}

	stillLocked := attempt("correct-horse")
	if stillLocked["reason"] != "account_locked" {
		t.Fatalf("expected correct password to still be locked out, got %v", stillLocked)
	}
}

func authenticate(t *testing.T, conn *websocket.Conn, username, password string) {
	t.Helper()
	sendJSON(t, conn, map[string]any{"type": "auth", "payload": map[string]string{"username": username, "password": password}})
	out := recvEnvelope(t, conn)
	if out.Type != "auth.success" {
		t.Fatalf("expected auth.success for %s, got %+v", username, out)
	}
}

// TestChannelFanOut covers scenario 3: a subscriber receives a
// published message exactly once, and the publisher gets an
// acknowledgement naming the message.
func TestChannelFanOut(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "u_x", "x", "pw-x-12345")
	seedUser(t, users, "u_y", "y", "pw-y-12345")
	_, wsURL := newTestServer(t, users, testConfig())

	connX := dial(t, wsURL)
	authenticate(t, connX, "x", "pw-x-12345")
	sendJSON(t, connX, map[string]any{"type": "channel.subscribe", "payload": map[string]string{"topic": "room:42"}})
	recvEnvelope(t, connX) // channel.subscribe.response

	connY := dial(t, wsURL)
	authenticate(t, connY, "y", "pw-y-12345")
	sendJSON(t, connY, map[string]any{"type": "channel.publish", "payload": map[string]any{"topic": "room:42", "content": "hello"}})

	pubAck := recvEnvelope(t, connY)
	if pubAck.Type != "channel.publish.response" {
		t.Fatalf("expected publish ack, got %+v", pubAck)
	}
	ackPayload, _ := pubAck.Payload.(map[string]any)
	if ackPayload["message_id"] == nil || ackPayload["message_id"] == "" {
		t.Fatalf("expected message_id in publish ack, got %+v", ackPayload)
	}

	fanOut := recvEnvelope(t, connX)
	if fanOut.Type != "channel.message" {
		t.Fatalf("expected channel.message, got %+v", fanOut)
	}
	fanPayload, _ := fanOut.Payload.(map[string]any)
	if fanPayload["topic"] != "room:42" {
		t.Fatalf("unexpected channel.message payload: %+v", fanPayload)
	}
}

// TestXSSSanitizationOnBroadcast covers scenario 4: a script-injection
// attempt published to a channel arrives at subscribers HTML-escaped
// with the dangerous construct rewritten, never as the literal
// <script> substring.
func TestXSSSanitizationOnBroadcast(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "u_x", "x", "pw-x-12345")
	seedUser(t, users, "u_y", "y", "pw-y-12345")
	_, wsURL := newTestServer(t, users, testConfig())

	connX := dial(t, wsURL)
	authenticate(t, connX, "x", "pw-x-12345")
	sendJSON(t, connX, map[string]any{"type": "channel.subscribe", "payload": map[string]string{"topic": "t"}})
	recvEnvelope(t, connX)

	connY := dial(t, wsURL)
	authenticate(t, connY, "y", "pw-y-12345")
	sendJSON(t, connY, map[string]any{"type": "channel.publish", "payload": map[string]any{"topic": "t", "content": "<script>alert(1)</script>"}})
	recvEnvelope(t, connY) // publish ack

	fanOut := recvEnvelope(t, connX)
	// json.Marshal writes < and & as unicode escapes, which would hide
	// both checks below.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(fanOut.Payload)
	raw := buf.Bytes()
	if strings.Contains(string(raw), "<script") {
		t.Fatalf("expected literal <script to be gone from broadcast, got %s", raw)
	}
	if !strings.Contains(string(raw), "&lt;") {
		t.Fatalf("expected html-escaped output in broadcast, got %s", raw)
	}
}

// TestRefreshRevokesOldToken covers scenario 5: refreshing a token pair
// revokes the old refresh token while the prior access token remains
// valid until its own expiry.
func TestRefreshRevokesOldToken(t *testing.T) {
	users := newFakeUsers()
	seedUser(t, users, "u_carol", "carol", "pw-carol-123")
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := buildServer(cfg, users, clockid.System(), logger)

	pair, err := srv.tokens.IssuePair("u_carol", "sess-1", false)
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}
	if _, err := srv.tokens.Verify(pair.AccessToken); err != nil {
		t.Fatalf("expected original access token valid: %v", err)
	}

	newPair, err := srv.tokens.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := srv.tokens.Verify(pair.RefreshToken); err == nil {
		t.Fatalf("expected old refresh token to be revoked")
	}
	if _, err := srv.tokens.Verify(newPair.RefreshToken); err != nil {
		t.Fatalf("expected new refresh token valid: %v", err)
	}
	if _, err := srv.tokens.Verify(pair.AccessToken); err != nil {
		t.Fatalf("expected original access token to remain valid until its own expiry: %v", err)
	}
}

// TestIdleConnectionClosedByServer covers scenario 6: a connection with
// no inbound traffic past idle_timeout_s is closed by the server with
// code 1001.
func TestIdleConnectionClosedByServer(t *testing.T) {
	users := newFakeUsers()
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.IdleTimeout = 40 * time.Millisecond
	_, wsURL := newTestServer(t, users, cfg)
	conn := dial(t, wsURL)
	// gorilla answers every ping with a pong by default, and a pong is
	// inbound activity; swallow pings so the client stays silent.
	conn.SetPingHandler(func(string) error { return nil })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var readErr error
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			readErr = err
			break
		}
	}
	closeErr, ok := readErr.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", readErr)
	}
	if closeErr.Code != websocket.CloseGoingAway {
		t.Fatalf("expected close code 1001 (going away), got %d", closeErr.Code)
	}
}
