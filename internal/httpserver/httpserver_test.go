package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/SolVend/engine/internal/bot"
	"github.com/SolVend/engine/internal/config"
	apierrors "github.com/SolVend/engine/internal/errors"
)

const testToken = "123456:TEST-TOKEN"

type fakeDispatcher struct {
	ready bool
	full  bool
	got   []bot.Update
}

func (d *fakeDispatcher) Ready() bool { return d.ready }

func (d *fakeDispatcher) Submit(u bot.Update) bool {
	if !d.ready || d.full {
		return false
	}
	d.got = append(d.got, u)
	return true
}

func newTestRouter(t *testing.T, d Dispatcher) http.Handler {
	t.Helper()
	cfg := &config.Config{}
	cfg.Bot.Token = testToken
	router := chi.NewRouter()
	ConfigureRouter(router, cfg, d, nil, zerolog.Nop())
	return router
}

func post(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, &fakeDispatcher{ready: true})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("health = %d %q, want 200 OK", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers not applied")
	}
}

func TestBanner(t *testing.T) {
	router := newTestRouter(t, &fakeDispatcher{ready: true})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("banner status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode banner: %v", err)
	}
	if body["service"] != "solvend-engine" {
		t.Errorf("banner = %v", body)
	}
}

func TestMetricsRoute(t *testing.T) {
	router := newTestRouter(t, &fakeDispatcher{ready: true})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("metrics status = %d", w.Code)
	}
}

func TestTelegramWebhookWrongToken(t *testing.T) {
	d := &fakeDispatcher{ready: true}
	router := newTestRouter(t, d)

	w := post(t, router, "/telegram/guessed-token", `{"update_id":1}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if len(d.got) != 0 {
		t.Error("update reached the dispatcher despite the bad token")
	}
}

func TestTelegramWebhookNotReady(t *testing.T) {
	router := newTestRouter(t, &fakeDispatcher{ready: false})

	w := post(t, router, "/telegram/"+testToken, `{"update_id":1}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("503 without Retry-After")
	}
}

func TestTelegramWebhookMalformedJSON(t *testing.T) {
	d := &fakeDispatcher{ready: true}
	router := newTestRouter(t, d)

	w := post(t, router, "/telegram/"+testToken, `{"update_id": nope`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp apierrors.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp.Error.Code != apierrors.ErrCodeInvalidField {
		t.Errorf("error code = %s", resp.Error.Code)
	}
	if len(d.got) != 0 {
		t.Error("malformed update reached the dispatcher")
	}
}

func TestTelegramWebhookAccepted(t *testing.T) {
	d := &fakeDispatcher{ready: true}
	router := newTestRouter(t, d)

	// Real platform payloads carry fields the dispatcher never models;
	// they must not break decoding.
	payload := `{
		"update_id": 41,
		"callback_query": {"id": "cb1", "from": {"id": 7, "username": "u7"}, "data": "refill:10.00"},
		"my_chat_member": {"status": "member"}
	}`
	w := post(t, router, "/telegram/"+testToken, payload)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if len(d.got) != 1 {
		t.Fatalf("dispatcher got %d updates, want 1", len(d.got))
	}
	u := d.got[0]
	if u.UpdateID != 41 || u.Callback == nil || u.Callback.Data != "refill:10.00" || u.Callback.From.ID != 7 {
		t.Errorf("decoded update = %+v", u)
	}
}

func TestTelegramWebhookQueueFull(t *testing.T) {
	router := newTestRouter(t, &fakeDispatcher{ready: true, full: true})

	w := post(t, router, "/telegram/"+testToken, `{"update_id":1}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("503 without Retry-After")
	}
}

func TestLegacyWebhookStub(t *testing.T) {
	router := newTestRouter(t, &fakeDispatcher{ready: true})

	w := post(t, router, "/webhook", `{"provider":"whatever","anything":true}`)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
