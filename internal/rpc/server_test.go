package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/klingvault/config"
	"github.com/Klingon-tech/klingvault/internal/dispatch"
	"github.com/Klingon-tech/klingvault/internal/engine"
	klog "github.com/Klingon-tech/klingvault/internal/log"
	"github.com/Klingon-tech/klingvault/internal/metrics"
)

// testEnv holds all components for an RPC test.
type testEnv struct {
	server  *Server
	engine  *engine.Engine
	metrics *metrics.Metrics
	url     string
}

func setupTestEnv(t *testing.T) *testEnv {
	return setupTestEnvWithConfig(t, config.RPCConfig{})
}

func setupTestEnvWithConfig(t *testing.T, rpcCfg config.RPCConfig) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	m := metrics.New()
	eng, err := engine.New(engine.Options{Metrics: m})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	srv := New("127.0.0.1:0", dispatch.New(eng), rpcCfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		server:  srv,
		engine:  eng,
		metrics: m,
		url:     fmt.Sprintf("http://%s/", srv.Addr()),
	}
}

func rpcCall(t *testing.T, url, method string, params interface{}) Response {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rpcResp
}

// decodeResult re-encodes a generic result into v.
func decodeResult(t *testing.T, resp Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	b, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func TestRPC_Redact(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "redact", map[string]string{"data": "seed " + strings.Repeat("ab", 32)})
	var got struct {
		Redacted string `json:"redacted"`
	}
	decodeResult(t, resp, &got)
	if got.Redacted != "seed [REDACTED]" {
		t.Errorf("redacted = %q, want %q", got.Redacted, "seed [REDACTED]")
	}
}

func TestRPC_AssessThreat_Blacklisted(t *testing.T) {
	env := setupTestEnv(t)
	addr := "0x1234567890abcdef1234567890abcdef12345678"

	if resp := rpcCall(t, env.url, "blacklistAddress", map[string]string{"address": addr}); resp.Error != nil {
		t.Fatalf("blacklist: %s", resp.Error.Message)
	}
	var a struct {
		Level string `json:"level"`
	}
	decodeResult(t, rpcCall(t, env.url, "assessThreat", map[string]string{"address": addr}), &a)
	if a.Level != "Critical" {
		t.Errorf("level = %q, want Critical", a.Level)
	}
}

func TestRPC_MethodList(t *testing.T) {
	env := setupTestEnv(t)

	var methods []string
	decodeResult(t, rpcCall(t, env.url, MethodList, nil), &methods)
	if len(methods) != len(dispatch.Ops()) {
		t.Fatalf("got %d methods, want %d", len(methods), len(dispatch.Ops()))
	}
}

func TestRPC_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "nonexistent_method", nil)
	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestRPC_InvalidParams(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name   string
		params interface{}
	}{
		{"positional params", []string{"x"}},
		{"unknown field", map[string]string{"data": "x", "extra": "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpcCall(t, env.url, "redact", tt.params)
			if resp.Error == nil {
				t.Fatal("expected error")
			}
			if resp.Error.Code != CodeInvalidParams {
				t.Errorf("error code = %d, want %d", resp.Error.Code, CodeInvalidParams)
			}
			if resp.Error.Data == nil || resp.Error.Data.Code != dispatch.CodeValidation {
				t.Errorf("error data = %+v, want code %s", resp.Error.Data, dispatch.CodeValidation)
			}
		})
	}
}

func TestRPC_DomainErrorCarriesCode(t *testing.T) {
	env := setupTestEnv(t)

	resp := rpcCall(t, env.url, "markKeyCompromised", map[string]string{"keyId": "missing"})
	if resp.Error == nil {
		t.Fatal("expected error for unknown key")
	}
	if resp.Error.Code != CodeKeyState {
		t.Errorf("error code = %d, want %d", resp.Error.Code, CodeKeyState)
	}
	if resp.Error.Data == nil || resp.Error.Data.Code != dispatch.CodeKeyState {
		t.Errorf("error data = %+v, want code %s", resp.Error.Data, dispatch.CodeKeyState)
	}
}

func TestRPC_InvalidJSON(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Post(env.url, "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)

	if rpcResp.Error == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if rpcResp.Error.Code != CodeParseError {
		t.Errorf("error code = %d, want %d", rpcResp.Error.Code, CodeParseError)
	}
}

func TestRPC_WrongVersion(t *testing.T) {
	env := setupTestEnv(t)

	body := []byte(`{"jsonrpc":"1.0","method":"redact","params":{"data":"x"},"id":7}`)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Fatalf("error = %+v, want code %d", rpcResp.Error, CodeInvalidRequest)
	}
	if rpcResp.ID != float64(7) {
		t.Errorf("id = %v, want 7", rpcResp.ID)
	}
}

func TestRPC_GetMethodNotAllowed(t *testing.T) {
	env := setupTestEnv(t)

	resp, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)

	if rpcResp.Error == nil {
		t.Fatal("expected error for GET request")
	}
	if rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error code = %d, want %d", rpcResp.Error.Code, CodeInvalidRequest)
	}
}

func TestRPC_BodySizeLimit(t *testing.T) {
	env := setupTestEnv(t)

	bigPayload := bytes.Repeat([]byte{'A'}, (1<<20)+1024)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(bigPayload))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)

	if rpcResp.Error == nil {
		t.Fatal("expected error for oversized request body")
	}
	if rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error code = %d, want %d", rpcResp.Error.Code, CodeInvalidRequest)
	}
}

func TestRPC_MetricsCountRequests(t *testing.T) {
	env := setupTestEnv(t)
	rpcCall(t, env.url, "secureCompare", map[string]string{"a": "x", "b": "x"})

	rec := httptest.NewRecorder()
	env.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	want := `klingvault_dispatch_requests_total{code="ok",op="secureCompare"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Errorf("metrics output missing %q", want)
	}
}

// --- IP Filtering ---

func TestRPC_IPFilter_Allowed(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		AllowedIPs: []string{"127.0.0.1"},
	})

	resp := rpcCall(t, env.url, "setLockdown", map[string]bool{"enabled": false})
	if resp.Error != nil {
		t.Errorf("expected success for 127.0.0.1, got error: %s", resp.Error.Message)
	}
}

func TestRPC_IPFilter_Blocked(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		AllowedIPs: []string{"10.0.0.0/8"}, // Only allow 10.x.x.x.
	})

	// Request comes from 127.0.0.1 → should be blocked.
	body := []byte(`{"jsonrpc":"2.0","method":"setLockdown","params":{"enabled":true},"id":1}`)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	if env.engine.Policy().Lockdown() {
		t.Error("blocked request must not reach the engine")
	}
}

func TestParseAllowedIPs(t *testing.T) {
	nets := parseAllowedIPs([]string{"127.0.0.1", "10.0.0.0/8", "::1", "garbage"})
	if len(nets) != 3 {
		t.Fatalf("got %d nets, want 3", len(nets))
	}
}

// --- CORS ---

func TestRPC_CORS(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    string
	}{
		{"wildcard", []string{"*"}, "http://example.com", "*"},
		{"specific match", []string{"http://myapp.com"}, "http://myapp.com", "http://myapp.com"},
		{"specific mismatch", []string{"http://myapp.com"}, "http://evil.com", ""},
		{"disabled", nil, "http://example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnvWithConfig(t, config.RPCConfig{CORSOrigins: tt.origins})

			body := []byte(`{"jsonrpc":"2.0","method":"redact","params":{"data":"x"},"id":1}`)
			httpReq, _ := http.NewRequest("POST", env.url, bytes.NewReader(body))
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("Origin", tt.origin)

			resp, err := http.DefaultClient.Do(httpReq)
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()

			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
				t.Errorf("CORS origin = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRPC_CORS_Preflight(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{
		CORSOrigins: []string{"*"},
	})

	httpReq, _ := http.NewRequest("OPTIONS", env.url, nil)
	httpReq.Header.Set("Origin", "http://example.com")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight should have Allow-Methods header")
	}
}

// --- Rate limiting ---

func TestRPC_RateLimit(t *testing.T) {
	env := setupTestEnvWithConfig(t, config.RPCConfig{RateLimit: 0.001, RateBurst: 2})

	body := []byte(`{"jsonrpc":"2.0","method":"redact","params":{"data":"x"},"id":1}`)
	codes := make([]int, 3)
	for i := range codes {
		resp, err := http.Post(env.url, "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		codes[i] = resp.StatusCode
		resp.Body.Close()
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: status %d, want %d", i, codes[i], want[i])
		}
	}
}

func TestRateLimiter_PerClientAndSweep(t *testing.T) {
	l := newRateLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	if !l.allow("a") || l.allow("a") {
		t.Fatal("client a should get exactly one request")
	}
	if !l.allow("b") {
		t.Fatal("client b has its own bucket")
	}

	now = now.Add(2 * visitorTTL)
	if !l.allow("c") {
		t.Fatal("client c should be allowed")
	}
	if got := l.size(); got != 1 {
		t.Errorf("visitors after sweep = %d, want 1", got)
	}

	disabled := newRateLimiter(0, 0)
	for i := 0; i < 10; i++ {
		if !disabled.allow("x") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "192.0.2.1:4321"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(r, false); got != "192.0.2.1" {
		t.Errorf("untrusted: got %q, want %q", got, "192.0.2.1")
	}
	if got := clientIP(r, true); got != "203.0.113.9" {
		t.Errorf("trusted: got %q, want %q", got, "203.0.113.9")
	}
}
