package pairing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/canvasflow/assist-relay/internal/metrics"
	"github.com/canvasflow/assist-relay/internal/ratelimit"
	"github.com/canvasflow/assist-relay/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePeer struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (p *fakePeer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, data)
	return nil
}

func (p *fakePeer) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.frames))
	for i, f := range p.frames {
		out[i] = string(f)
	}
	return out
}

func hostID(n int) string  { return fmt.Sprintf("host-%032d", n) }
func guestID(n int) string { return fmt.Sprintf("guest-%031d", n) }

type testEnv struct {
	registry *session.Registry
	clock    *fakeClock
	server   *httptest.Server
}

func newTestEnv(t *testing.T, limiter *ratelimit.CallerLimiter) *testEnv {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	reg := session.NewRegistry(session.Config{
		TTL:         5 * time.Minute,
		MaxSessions: 100,
		Clock:       clock,
		Metrics:     metrics.New(),
	})

	srv := NewServer(Config{
		Registry:      reg,
		CreateLimiter: limiter,
		Metrics:       metrics.New(),
	})

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testEnv{registry: reg, clock: clock, server: ts}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("encode body: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func (e *testEnv) create(t *testing.T, clientID string) string {
	t.Helper()

	resp, body := e.post(t, "/assist/create", map[string]string{"clientId": clientID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: status=%d body=%v", resp.StatusCode, body)
	}
	code, _ := body["assistCode"].(string)
	if code == "" {
		t.Fatalf("create: missing assistCode in %v", body)
	}
	return code
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.post(t, "/assist/create", map[string]string{"clientId": hostID(1)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("success=%v, want true", body["success"])
	}
	code, _ := body["assistCode"].(string)
	if len(code) != 6 {
		t.Fatalf("assistCode=%q, want 6 digits", code)
	}
	if body["expiresIn"] != float64(300) {
		t.Fatalf("expiresIn=%v, want 300", body["expiresIn"])
	}
	if _, ok := body["isExisting"]; ok {
		t.Fatalf("isExisting should be omitted on fresh create: %v", body)
	}
}

func TestCreateIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	code := env.create(t, hostID(1))
	env.clock.Advance(40 * time.Second)

	resp, body := env.post(t, "/assist/create", map[string]string{"clientId": hostID(1)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if body["assistCode"] != code {
		t.Fatalf("assistCode=%v, want %q", body["assistCode"], code)
	}
	if body["isExisting"] != true {
		t.Fatalf("isExisting=%v, want true", body["isExisting"])
	}
	if body["expiresIn"] != float64(260) {
		t.Fatalf("expiresIn=%v, want 260", body["expiresIn"])
	}
}

func TestCreateRejectsBadClientID(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, id := range []string{"", "short", strings.Repeat("x", 65)} {
		resp, body := env.post(t, "/assist/create", map[string]string{"clientId": id})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("clientId=%q: status=%d, want 400", id, resp.StatusCode)
		}
		if body["code"] != "invalid_client_id" {
			t.Fatalf("clientId=%q: code=%v, want invalid_client_id", id, body["code"])
		}
	}
}

func TestCreateRateLimited(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := ratelimit.NewCallerLimiter(clock, 2, 1, time.Minute, 16)
	env := newTestEnv(t, limiter)

	env.create(t, hostID(1))
	env.create(t, hostID(1))

	resp, body := env.post(t, "/assist/create", map[string]string{"clientId": hostID(1)})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429", resp.StatusCode)
	}
	if body["code"] != "rate_limited" {
		t.Fatalf("code=%v, want rate_limited", body["code"])
	}

	// A different caller has its own budget.
	env.create(t, hostID(2))
}

func TestJoin(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.create(t, hostID(1))

	resp, body := env.post(t, "/assist/join", map[string]string{
		"clientId": guestID(1), "assistCode": code,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%v, want 200", resp.StatusCode, body)
	}
	if body["hostId"] != hostID(1) {
		t.Fatalf("hostId=%v, want %q", body["hostId"], hostID(1))
	}

	statusResp, err := http.Get(env.server.URL + "/assist/status/" + code)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer statusResp.Body.Close()
	var st statusResponse
	if err := json.NewDecoder(statusResp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Status != "connected" || !st.HasGuest {
		t.Fatalf("status=%+v, want connected with guest", st)
	}
}

func TestJoinErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.create(t, hostID(1))

	tests := []struct {
		name       string
		clientID   string
		code       string
		wantStatus int
		wantCode   string
	}{
		{"bad client id", "short", code, http.StatusBadRequest, "invalid_client_id"},
		{"bad code format", guestID(1), "12345", http.StatusBadRequest, "invalid_code"},
		{"unknown code", guestID(1), wrongCode(code), http.StatusNotFound, "not_found"},
		{"self join", hostID(1), code, http.StatusBadRequest, "self_join"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.post(t, "/assist/join", map[string]string{
				"clientId": tt.clientID, "assistCode": tt.code,
			})
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status=%d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if body["code"] != tt.wantCode {
				t.Fatalf("code=%v, want %q", body["code"], tt.wantCode)
			}
		})
	}
}

func TestJoinOccupied(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.create(t, hostID(1))

	env.post(t, "/assist/join", map[string]string{"clientId": guestID(1), "assistCode": code})

	resp, body := env.post(t, "/assist/join", map[string]string{
		"clientId": guestID(2), "assistCode": code,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
	if body["code"] != "occupied" {
		t.Fatalf("code=%v, want occupied", body["code"])
	}

	// The original guest may re-join idempotently.
	resp, _ = env.post(t, "/assist/join", map[string]string{
		"clientId": guestID(1), "assistCode": code,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rejoin status=%d, want 200", resp.StatusCode)
	}
}

func TestJoinExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.create(t, hostID(1))

	env.clock.Advance(5*time.Minute + time.Second)

	resp, body := env.post(t, "/assist/join", map[string]string{
		"clientId": guestID(1), "assistCode": code,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", resp.StatusCode)
	}
	if body["code"] != "not_found" {
		t.Fatalf("code=%v, want not_found", body["code"])
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.create(t, hostID(1))
	env.clock.Advance(30 * time.Second)

	resp, err := http.Get(env.server.URL + "/assist/status/" + code)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "waiting" {
		t.Fatalf("Status=%q, want waiting", body.Status)
	}
	if body.HasGuest {
		t.Fatal("HasGuest=true, want false")
	}
	if body.ExpiresIn != 270 {
		t.Fatalf("ExpiresIn=%d, want 270", body.ExpiresIn)
	}
	if body.CreatedAt != time.Unix(1_700_000_000, 0).UnixMilli() {
		t.Fatalf("CreatedAt=%d, want creation millis", body.CreatedAt)
	}
}

func TestStatusNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.create(t, hostID(1))

	for _, path := range []string{
		"/assist/status/" + wrongCode(code),
		"/assist/status/abc123x",
	} {
		resp, err := http.Get(env.server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status=%d, want 404", path, resp.StatusCode)
		}
	}
}

func TestCloseNotifiesBoundConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.create(t, hostID(1))
	env.post(t, "/assist/join", map[string]string{"clientId": guestID(1), "assistCode": code})

	hostConn := &fakePeer{}
	guestConn := &fakePeer{}
	if _, err := env.registry.Bind(code, hostID(1), session.RoleHost, hostConn); err != nil {
		t.Fatalf("bind host: %v", err)
	}
	if _, err := env.registry.Bind(code, guestID(1), session.RoleGuest, guestConn); err != nil {
		t.Fatalf("bind guest: %v", err)
	}

	resp, body := env.post(t, "/assist/close", map[string]string{"clientId": hostID(1)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("success=%v, want true", body["success"])
	}

	for name, p := range map[string]*fakePeer{"host": hostConn, "guest": guestConn} {
		got := p.received()
		if len(got) != 1 || !strings.Contains(got[0], "session_closed") || !strings.Contains(got[0], "host_closed") {
			t.Fatalf("%s frames=%v, want one session_closed host_closed frame", name, got)
		}
	}

	resp, err := http.Get(env.server.URL + "/assist/status/" + code)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status after close=%d, want 404", resp.StatusCode)
	}
}

func TestCloseAsGuestNotifiesHost(t *testing.T) {
	env := newTestEnv(t, nil)
	code := env.create(t, hostID(1))
	env.post(t, "/assist/join", map[string]string{"clientId": guestID(1), "assistCode": code})

	hostConn := &fakePeer{}
	if _, err := env.registry.Bind(code, hostID(1), session.RoleHost, hostConn); err != nil {
		t.Fatalf("bind host: %v", err)
	}

	resp, _ := env.post(t, "/assist/close", map[string]string{"clientId": guestID(1)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}

	got := hostConn.received()
	if len(got) != 1 || !strings.Contains(got[0], "guest_left") {
		t.Fatalf("host frames=%v, want one guest_left frame", got)
	}

	// Session stays alive for the host, back in waiting.
	resp, err := http.Get(env.server.URL + "/assist/status/" + code)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "waiting" || body.HasGuest {
		t.Fatalf("status=%+v, want waiting without guest", body)
	}
}

func TestCloseAcceptsRawTextBody(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t, hostID(1))

	resp, err := http.Post(env.server.URL+"/assist/close", "text/plain",
		strings.NewReader(hostID(1)+"\n"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if env.registry.Len() != 0 {
		t.Fatalf("Len()=%d, want 0 after close", env.registry.Len())
	}
}

func TestCloseUnknownClientSucceeds(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.post(t, "/assist/close", map[string]string{"clientId": hostID(9)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("success=%v, want true", body["success"])
	}
}

// wrongCode returns a syntactically valid 6-digit code distinct from code.
func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}
