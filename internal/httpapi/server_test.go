package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/joelkehle/foodguide-autopost/internal/autopost"
	"github.com/joelkehle/foodguide-autopost/internal/logger"
	"github.com/joelkehle/foodguide-autopost/internal/store"
)

const testSecret = "trigger-secret"

type fakeRunner struct {
	mu     sync.Mutex
	result autopost.RunResult
	err    error
	calls  []autopost.RunRequest
}

func (f *fakeRunner) RunWithProgress(_ context.Context, req autopost.RunRequest, progress autopost.ProgressFn) (autopost.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if progress != nil {
		progress(autopost.StateGenerating, "attempt 1")
	}
	return f.result, f.err
}

func newServerForTest(r Runner, cfg Config) http.Handler {
	gin.SetMode(gin.TestMode)
	if cfg.TriggerSecret == "" {
		cfg.TriggerSecret = testSecret
	}
	return NewServer(r, cfg, logger.NewNop())
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func postJSON(t *testing.T, h http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var blob []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		blob = v
	default:
		var err error
		if blob, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(blob))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.9:4242"
	for k, v := range headers {
		if k == "RemoteAddr" {
			req.RemoteAddr = v
			continue
		}
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func getJSON(t *testing.T, h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func signedToken(t *testing.T, secret, scope string, exp time.Time, method jwt.SigningMethod) string {
	t.Helper()
	claims := triggerClaims{Scope: scope, RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}}
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestHealth(t *testing.T) {
	rr := getJSON(t, newServerForTest(&fakeRunner{}, Config{}), "/v1/health", nil)
	if rr.Code != http.StatusOK || decode(t, rr)["ok"] != true {
		t.Fatalf("health status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestTriggerAuth(t *testing.T) {
	body := []byte(`{"market":"cumberland"}`)
	future := time.Now().Add(time.Hour)
	cases := []struct {
		name    string
		cfg     Config
		headers map[string]string
		want    int
	}{
		{name: "no credentials", headers: nil, want: http.StatusUnauthorized},
		{name: "raw secret", headers: map[string]string{"Authorization": "Bearer " + testSecret}, want: http.StatusOK},
		{name: "wrong secret", headers: map[string]string{"Authorization": "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "basic scheme", headers: map[string]string{"Authorization": "Basic " + testSecret}, want: http.StatusUnauthorized},
		{name: "jwt with scope", headers: map[string]string{"Authorization": "Bearer " + signedToken(t, testSecret, "read autopost:run", future, jwt.SigningMethodHS256)}, want: http.StatusOK},
		{name: "jwt without scope", headers: map[string]string{"Authorization": "Bearer " + signedToken(t, testSecret, "read", future, jwt.SigningMethodHS256)}, want: http.StatusUnauthorized},
		{name: "jwt expired", headers: map[string]string{"Authorization": "Bearer " + signedToken(t, testSecret, RunScope, time.Now().Add(-time.Hour), jwt.SigningMethodHS256)}, want: http.StatusUnauthorized},
		{name: "jwt wrong key", headers: map[string]string{"Authorization": "Bearer " + signedToken(t, "other", RunScope, future, jwt.SigningMethodHS256)}, want: http.StatusUnauthorized},
		{name: "jwt wrong alg", headers: map[string]string{"Authorization": "Bearer " + signedToken(t, testSecret, RunScope, future, jwt.SigningMethodHS512)}, want: http.StatusUnauthorized},
		{name: "hmac body signature", headers: map[string]string{SignatureHeader: "sha256=" + sign(testSecret, body)}, want: http.StatusOK},
		{name: "hmac bad signature", headers: map[string]string{SignatureHeader: sign("other", body)}, want: http.StatusUnauthorized},
		{name: "loopback allowed", cfg: Config{AllowInternal: true}, headers: map[string]string{"RemoteAddr": "127.0.0.1:5555"}, want: http.StatusOK},
		{name: "loopback disabled", headers: map[string]string{"RemoteAddr": "127.0.0.1:5555"}, want: http.StatusUnauthorized},
		{name: "loopback via proxy", cfg: Config{AllowInternal: true}, headers: map[string]string{"RemoteAddr": "127.0.0.1:5555", "X-Forwarded-For": "198.51.100.7"}, want: http.StatusUnauthorized},
		{name: "remote not internal", cfg: Config{AllowInternal: true}, headers: nil, want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{result: autopost.RunResult{Skipped: true}}
			rr := postJSON(t, newServerForTest(runner, tc.cfg), "/v1/autopost/run", body, tc.headers)
			if rr.Code != tc.want {
				t.Fatalf("status=%d want=%d body=%s", rr.Code, tc.want, rr.Body.String())
			}
			if tc.want == http.StatusOK && (len(runner.calls) != 1 || runner.calls[0].MarketID != "cumberland") {
				t.Fatalf("runner calls = %+v", runner.calls)
			}
			if tc.want != http.StatusOK && len(runner.calls) != 0 {
				t.Fatal("runner must not be invoked when auth fails")
			}
		})
	}
}

func TestSignTokenIsAccepted(t *testing.T) {
	tok, err := SignToken(testSecret, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := verifyToken(testSecret, tok); err != nil {
		t.Fatal(err)
	}
}

func TestTriggerWithoutSecretIsConfigError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewServer(&fakeRunner{}, Config{}, logger.NewNop())
	rr := postJSON(t, h, "/v1/autopost/run", nil, map[string]string{"Authorization": "Bearer x"})
	if rr.Code != http.StatusInternalServerError || decode(t, rr)["kind"] != "config" {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRunErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&autopost.Error{Kind: autopost.KindContext, Stage: "context", Err: autopost.ErrNoEntities}, http.StatusUnprocessableEntity},
		{&autopost.Error{Kind: autopost.KindGeneration, Stage: "parse", Err: autopost.ErrNoJSONObject}, http.StatusBadGateway},
		{&autopost.Error{Kind: autopost.KindPersistence, Stage: "publish", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{autopost.ConfigError(errors.New("no key")), http.StatusInternalServerError},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newServerForTest(&fakeRunner{err: tc.err}, Config{})
		rr := postJSON(t, h, "/v1/autopost/run", nil, map[string]string{"Authorization": "Bearer " + testSecret})
		if rr.Code != tc.want {
			t.Fatalf("%v: status=%d want=%d", tc.err, rr.Code, tc.want)
		}
		out := decode(t, rr)
		if msg, _ := out["error"].(string); msg == "" || out["success"] != nil {
			t.Fatalf("%v: body=%s", tc.err, rr.Body.String())
		}
	}
}

func TestRunBodyParsing(t *testing.T) {
	runner := &fakeRunner{result: autopost.RunResult{Skipped: true}}
	h := newServerForTest(runner, Config{})
	auth := map[string]string{"Authorization": "Bearer " + testSecret}

	if rr := postJSON(t, h, "/v1/autopost/run", []byte(`{not json`), auth); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json status=%d", rr.Code)
	}
	if rr := postJSON(t, h, "/v1/autopost/run", map[string]string{"now": "yesterday"}, auth); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad now status=%d", rr.Code)
	}
	if rr := postJSON(t, h, "/v1/autopost/run?market=frederick", nil, auth); rr.Code != http.StatusOK {
		t.Fatalf("query market status=%d", rr.Code)
	}
	rr := postJSON(t, h, "/v1/autopost/run", map[string]string{"market": "cumberland", "now": "2026-06-10T08:00:00Z"}, auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if len(runner.calls) != 2 || runner.calls[0].MarketID != "frederick" || runner.calls[1].MarketID != "cumberland" {
		t.Fatalf("calls = %+v", runner.calls)
	}
	if !runner.calls[1].Now.Equal(time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("now not forwarded: %v", runner.calls[1].Now)
	}
}

func TestRunResolvesDefaultMarket(t *testing.T) {
	runner := &fakeRunner{result: autopost.RunResult{Skipped: true}}
	h := newServerForTest(runner, Config{DefaultMarket: "cumberland"})
	auth := map[string]string{"Authorization": "Bearer " + testSecret}

	if rr := postJSON(t, h, "/v1/autopost/run", nil, auth); rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr := postJSON(t, h, "/v1/autopost/run", map[string]string{"market": "cumberland"}, auth); rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if len(runner.calls) != 2 || runner.calls[0].MarketID != "cumberland" || runner.calls[1].MarketID != "cumberland" {
		t.Fatalf("calls = %+v", runner.calls)
	}
}

func TestFlightKeyMatchesEquivalentTriggers(t *testing.T) {
	utc := time.Date(2026, 6, 10, 8, 0, 0, 0, time.UTC)
	est := utc.In(time.FixedZone("EDT", -4*3600))
	for _, tc := range []struct {
		name string
		a, b autopost.RunRequest
		same bool
	}{
		{"no override", autopost.RunRequest{MarketID: "cumberland"}, autopost.RunRequest{MarketID: "cumberland"}, true},
		{"same instant other zone", autopost.RunRequest{MarketID: "cumberland", Now: utc}, autopost.RunRequest{MarketID: "cumberland", Now: est}, true},
		{"different market", autopost.RunRequest{MarketID: "cumberland"}, autopost.RunRequest{MarketID: "frederick"}, false},
		{"override vs none", autopost.RunRequest{MarketID: "cumberland", Now: utc}, autopost.RunRequest{MarketID: "cumberland"}, false},
	} {
		if got := flightKey(tc.a) == flightKey(tc.b); got != tc.same {
			t.Errorf("%s: same key = %v, want %v", tc.name, got, tc.same)
		}
	}
}

func TestConcurrentTriggersForDefaultMarketShareOneRun(t *testing.T) {
	release := make(chan struct{})
	runner := &gatedRunner{release: release, entered: make(chan struct{}, 2)}
	h := newServerForTest(runner, Config{DefaultMarket: "cumberland"})
	auth := map[string]string{"Authorization": "Bearer " + testSecret}

	var wg sync.WaitGroup
	codes := make([]int, 2)
	bodies := []any{nil, map[string]string{"market": "cumberland"}}
	wg.Add(1)
	go func() {
		defer wg.Done()
		codes[0] = postJSON(t, h, "/v1/autopost/run", bodies[0], auth).Code
	}()
	<-runner.entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		codes[1] = postJSON(t, h, "/v1/autopost/run", bodies[1], auth).Code
	}()
	// Give the second trigger time to join the in-flight run.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("codes = %v", codes)
	}
	if n := runner.count(); n != 1 {
		t.Fatalf("runner called %d times, want 1", n)
	}
}

type gatedRunner struct {
	mu      sync.Mutex
	n       int
	release chan struct{}
	entered chan struct{}
}

func (g *gatedRunner) RunWithProgress(_ context.Context, _ autopost.RunRequest, _ autopost.ProgressFn) (autopost.RunResult, error) {
	g.mu.Lock()
	g.n++
	g.mu.Unlock()
	g.entered <- struct{}{}
	<-g.release
	return autopost.RunResult{Skipped: true}, nil
}

func (g *gatedRunner) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

type fakeFailures struct {
	rows   []store.FailureRow
	market string
	limit  int
}

func (f *fakeFailures) RecentFailures(_ context.Context, market string, limit int) ([]store.FailureRow, error) {
	f.market, f.limit = market, limit
	return f.rows, nil
}

func TestFailuresEndpoint(t *testing.T) {
	ff := &fakeFailures{rows: []store.FailureRow{{ID: "f1", MarketID: "cumberland", Kind: "generation", Stage: "parse"}}}
	h := newServerForTest(&fakeRunner{}, Config{Failures: ff})

	auth := map[string]string{"Authorization": "Bearer " + testSecret}
	rr := getJSON(t, h, "/v1/autopost/failures?market=cumberland&limit=5", auth)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"stage":"parse"`) {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if ff.market != "cumberland" || ff.limit != 5 {
		t.Fatalf("market=%s limit=%d", ff.market, ff.limit)
	}

	rr = getJSON(t, h, "/v1/autopost/failures", auth)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing market status=%d", rr.Code)
	}
}
