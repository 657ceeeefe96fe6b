package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hermes/internal/config"
	"hermes/internal/models"
)

const testSecret = "test-backdoor-secret"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	cfg.HermesSecret = testSecret
	cfg.JWTSecret = []byte(testSecret)
	cfg.Database.Path = filepath.Join(t.TempDir(), "httpapi-test.db")
	cfg.Sync.MinGap = 0
	cfg.Sync.RequestTimeout = 2 * time.Second
	cfg.LogSink.FlushInterval = time.Hour
	cfg.Proxy.RequestTimeout = 3 * time.Second
	return cfg
}

func newTestGateway(t *testing.T) (*httptest.Server, *Dependencies) {
	t.Helper()
	mux, deps, err := NewRouter(testConfig(t))
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		deps.Shutdown(context.Background())
	})
	return srv, deps
}

func newServer(t *testing.T, mux *http.ServeMux) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func adminDo(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testSecret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}

// fakeUpstream emulates an OpenAI-compatible provider.
func fakeUpstream(t *testing.T, modelIDs []string, chat http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			ID string `json:"id"`
		}
		data := make([]entry, 0, len(modelIDs))
		for _, id := range modelIDs {
			data = append(data, entry{ID: id})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	})
	mux.HandleFunc("/v1/chat/completions", chat)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func registerProvider(t *testing.T, gw *httptest.Server, deps *Dependencies, name, baseURL string) string {
	t.Helper()
	resp := adminDo(t, http.MethodPost, gw.URL+"/admin/providers", map[string]any{
		"name": name, "baseUrl": baseURL, "apiKey": "sk-" + name,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("provider create returned %d", resp.StatusCode)
	}
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	decodeBody(t, resp, &created)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := deps.Registry.Get(created.Data.ID); ok && p.Status == models.ProviderStatusActive {
			return created.Data.ID
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("provider %s never became active", name)
	return ""
}

func createGatewayKey(t *testing.T, gw *httptest.Server) string {
	t.Helper()
	resp := adminDo(t, http.MethodPost, gw.URL+"/admin/keys", map[string]any{"description": "test"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("key create returned %d", resp.StatusCode)
	}
	var created struct {
		Key string `json:"key"`
	}
	decodeBody(t, resp, &created)
	if created.Key == "" {
		t.Fatal("expected plaintext key in create response")
	}
	return created.Key
}

func chatRequest(t *testing.T, gw *httptest.Server, key, body string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, gw.URL+"/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("chat request failed: %v", err)
	}
	return resp
}

func TestHappyPathSingleProvider(t *testing.T) {
	gw, deps := newTestGateway(t)

	upstream := fakeUpstream(t, []string{"gpt-4o-mini"}, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-P1" {
			t.Errorf("credential not injected: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion"}`))
	})

	providerID := registerProvider(t, gw, deps, "P1", upstream.URL)
	key := createGatewayKey(t, gw)

	resp := chatRequest(t, gw, key, `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}],"stream":false}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Hermes-Provider"); got != providerID {
		t.Errorf("Expected provider header %s, got %s", providerID, got)
	}
	if resp.Header.Get("X-Hermes-Trace") == "" {
		t.Error("Expected trace header")
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body["id"] != "cmpl-1" {
		t.Errorf("Upstream body not forwarded verbatim: %v %v", body, err)
	}

	// Scorer observed the success.
	stats, ok := deps.Scorer.StatsFor(providerID)
	if !ok || stats.EWMASuccess != 1.0 {
		t.Errorf("Expected scorer success 1.0, got %+v", stats)
	}

	// Request log row lands after a flush.
	deps.Sink.Flush(context.Background())
	total, err := deps.LogRepo.CountRequestLogs(context.Background())
	if err != nil || total != 1 {
		t.Errorf("Expected 1 request log, got %d (%v)", total, err)
	}
}

func TestFailoverScenario(t *testing.T) {
	gw, deps := newTestGateway(t)

	bad := fakeUpstream(t, []string{"gpt-4o-mini"}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	good := fakeUpstream(t, []string{"gpt-4o-mini"}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"cmpl-2"}`))
	})

	badID := registerProvider(t, gw, deps, "P1", bad.URL)
	goodID := registerProvider(t, gw, deps, "P2", good.URL)

	// Bias ranking so the failing provider goes first.
	deps.Scorer.RecordSuccess(badID, 10*time.Millisecond)

	key := createGatewayKey(t, gw)
	resp := chatRequest(t, gw, key, `{"model":"gpt-4o-mini","messages":[],"stream":false}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected failover 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Hermes-Provider"); got != goodID {
		t.Errorf("Expected response from %s, got %s", goodID, got)
	}
	if deps.Breaker.StateOf(badID).String() != "open" {
		t.Error("Expected breaker open for failed provider")
	}
	st := deps.Breaker.StatusOf(badID)
	if st.PenaltyMs != (30 * time.Minute).Milliseconds() {
		t.Errorf("Expected 30m penalty, got %dms", st.PenaltyMs)
	}
}

func TestStreamingPassthrough(t *testing.T) {
	gw, deps := newTestGateway(t)

	chunks := []string{
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n",
		"data: [DONE]\n\n",
	}
	upstream := fakeUpstream(t, []string{"gpt-4o-mini"}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = w.Write([]byte(c))
			f.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	})
	registerProvider(t, gw, deps, "P1", upstream.URL)

	key := createGatewayKey(t, gw)
	resp := chatRequest(t, gw, key, `{"model":"gpt-4o-mini","messages":[],"stream":true}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	raw := new(bytes.Buffer)
	_, _ = raw.ReadFrom(resp.Body)
	if raw.String() != strings.Join(chunks, "") {
		t.Errorf("Stream bytes differ:\n%q", raw.String())
	}
}

func TestUnknownModelReturns404(t *testing.T) {
	gw, _ := newTestGateway(t)
	key := createGatewayKey(t, gw)

	resp := chatRequest(t, gw, key, `{"model":"no-such-model","messages":[]}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &body)
	if body.Error.Code != "model_not_found" {
		t.Errorf("Expected model_not_found code, got %q", body.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	gw, _ := newTestGateway(t)

	resp := chatRequest(t, gw, "not-a-key", `{"model":"gpt-4o-mini"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad key, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/admin/providers", nil)
	adminResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer adminResp.Body.Close()
	if adminResp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for unauthenticated admin, got %d", adminResp.StatusCode)
	}
}

func TestModelsUnionEndpoint(t *testing.T) {
	gw, deps := newTestGateway(t)

	u1 := fakeUpstream(t, []string{"gpt-4o-mini", "gpt-4o"}, func(w http.ResponseWriter, r *http.Request) {})
	u2 := fakeUpstream(t, []string{"openai/gpt-4o", "llama-3-70b"}, func(w http.ResponseWriter, r *http.Request) {})
	registerProvider(t, gw, deps, "P1", u1.URL)
	registerProvider(t, gw, deps, "P2", u2.URL)

	key := createGatewayKey(t, gw)
	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var list struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	decodeBody(t, resp, &list)

	if list.Object != "list" {
		t.Errorf("Expected list object, got %s", list.Object)
	}
	ids := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		ids = append(ids, m.ID)
	}
	// gpt-4o deduplicates across providers under normalization.
	want := []string{"gpt-4o", "gpt-4o-mini", "llama-3-70b"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("Expected union %v, got %v", want, ids)
	}
}

func TestAdminSettingsValidation(t *testing.T) {
	gw, _ := newTestGateway(t)

	resp := adminDo(t, http.MethodPost, gw.URL+"/admin/settings", map[string]any{"key": "bogus", "value": "1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for unknown key, got %d", resp.StatusCode)
	}

	resp = adminDo(t, http.MethodPost, gw.URL+"/admin/settings", map[string]any{"key": "chatMaxRetries", "value": "-1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for invalid value, got %d", resp.StatusCode)
	}

	resp = adminDo(t, http.MethodPost, gw.URL+"/admin/settings", map[string]any{"key": "chatMaxRetries", "value": "5"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for valid setting, got %d", resp.StatusCode)
	}
}

func TestAdminBreakerEndpoints(t *testing.T) {
	gw, deps := newTestGateway(t)
	deps.Breaker.OnFailure("p-x")

	resp := adminDo(t, http.MethodGet, gw.URL+"/admin/circuit-breaker", nil)
	var list struct {
		Data []struct {
			ProviderID string `json:"providerId"`
			State      string `json:"state"`
		} `json:"data"`
	}
	decodeBody(t, resp, &list)
	if len(list.Data) != 1 || list.Data[0].State != "open" {
		t.Fatalf("Expected one open circuit, got %+v", list.Data)
	}

	resp = adminDo(t, http.MethodPost, gw.URL+"/admin/circuit-breaker/p-x/reset", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Reset returned %d", resp.StatusCode)
	}
	if deps.Breaker.StateOf("p-x").String() != "closed" {
		t.Error("Expected circuit closed after admin reset")
	}
}

func TestAdminTokenFlow(t *testing.T) {
	gw, _ := newTestGateway(t)

	resp, err := http.Post(gw.URL+"/admin/auth/token", "application/json", strings.NewReader(`{"secret":"`+testSecret+`"}`))
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	var tok struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &tok)
	if tok.Token == "" {
		t.Fatal("Expected admin token")
	}

	req, _ := http.NewRequest(http.MethodGet, gw.URL+"/admin/providers", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	listResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer listResp.Body.Close()
	if listResp.StatusCode != http.StatusOK {
		t.Errorf("Expected JWT-authenticated admin access, got %d", listResp.StatusCode)
	}

	bad, err := http.Post(gw.URL+"/admin/auth/token", "application/json", strings.NewReader(`{"secret":"wrong"}`))
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong secret, got %d", bad.StatusCode)
	}
}

func TestRequestLogsEndpoint(t *testing.T) {
	gw, deps := newTestGateway(t)

	upstream := fakeUpstream(t, []string{"gpt-4o-mini"}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	registerProvider(t, gw, deps, "P1", upstream.URL)
	key := createGatewayKey(t, gw)
	chatRequest(t, gw, key, `{"model":"gpt-4o-mini","messages":[]}`).Body.Close()
	deps.Sink.Flush(context.Background())

	resp := adminDo(t, http.MethodGet, gw.URL+"/admin/request-logs?limit=10", nil)
	var logs struct {
		Data []struct {
			Model  string `json:"model"`
			Status int    `json:"status"`
		} `json:"data"`
	}
	decodeBody(t, resp, &logs)
	if len(logs.Data) != 1 || logs.Data[0].Model != "gpt-4o-mini" || logs.Data[0].Status != 200 {
		t.Errorf("Expected one 200 log for gpt-4o-mini, got %+v", logs.Data)
	}
}
