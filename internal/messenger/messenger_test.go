package messenger

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SolVend/engine/internal/config"
)

func testBot(url string) config.BotConfig {
	return config.BotConfig{
		Token:          "TESTTOKEN",
		APIBaseURL:     url,
		PrimaryAdminID: 9000,
		SendTimeout:    config.Duration{Duration: 2 * time.Second},
		SendRetries:    3,
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(testBot(srv.URL), nil, nil, WithBackoff(time.Millisecond, 4*time.Millisecond))
}

func respondOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true,"result":{}}`)
}

type textMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func TestSendMessageDelivers(t *testing.T) {
	var gotPath string
	var got textMessage
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		respondOK(w)
	})

	if err := c.SendMessage(context.Background(), 42, "your order is ready"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotPath != "/botTESTTOKEN/sendMessage" {
		t.Errorf("path = %q, want /botTESTTOKEN/sendMessage", gotPath)
	}
	if got.ChatID != 42 || got.Text != "your order is ready" {
		t.Errorf("payload = %+v", got)
	}
}

func TestSendMessageRetriesTransientFailure(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		respondOK(w)
	})

	if err := c.SendMessage(context.Background(), 1, "hello"); err != nil {
		t.Fatalf("SendMessage after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestSendMessagePermanentRejectionStopsRetry(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"ok":false,"error_code":403,"description":"bot was blocked by the user"}`)
	})

	err := c.SendMessage(context.Background(), 1, "hello")
	if err == nil {
		t.Fatal("expected error for blocked recipient")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 403)", calls)
	}
	if !strings.Contains(err.Error(), "blocked") {
		t.Errorf("error should carry the API description, got %v", err)
	}
}

func TestSendMessageExhaustsRetries(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	if err := c.SendMessage(context.Background(), 1, "hello"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestSendMessageStopsOnContextCancel(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	// Backoff far beyond the test so only cancellation can end the wait.
	c := New(testBot(srv.URL), nil, nil, WithBackoff(time.Minute, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.SendMessage(ctx, 1, "hello")
	if !stderrors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRegisterWebhook(t *testing.T) {
	var gotPath string
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		respondOK(w)
	}))
	t.Cleanup(srv.Close)

	cfg := testBot(srv.URL)
	cfg.WebhookBaseURL = "https://engine.example.com"
	c := New(cfg, nil, nil)

	if err := c.RegisterWebhook(context.Background()); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	if gotPath != "/botTESTTOKEN/setWebhook" {
		t.Errorf("path = %q, want /botTESTTOKEN/setWebhook", gotPath)
	}
	if got["url"] != "https://engine.example.com/telegram/TESTTOKEN" {
		t.Errorf("url = %v, want the inbound endpoint with the token secret", got["url"])
	}
}

func TestRegisterWebhookSkipsWithoutBaseURL(t *testing.T) {
	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		respondOK(w)
	})

	if err := c.RegisterWebhook(context.Background()); err != nil {
		t.Fatalf("RegisterWebhook: %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 when no public URL is configured", calls)
	}
}

func TestEnvelopeDecoding(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      int
		wantRetryIn   time.Duration
		wantPermanent bool
	}{
		{
			name:        "rate limit carries retry_after",
			status:      http.StatusTooManyRequests,
			body:        `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 2","parameters":{"retry_after":2}}`,
			wantCode:    429,
			wantRetryIn: 2 * time.Second,
		},
		{
			name:          "bad request is permanent",
			status:        http.StatusBadRequest,
			body:          `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			wantCode:      400,
			wantPermanent: true,
		},
		{
			name:     "bare gateway error keeps the status",
			status:   http.StatusBadGateway,
			body:     "<html>bad gateway</html>",
			wantCode: 502,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			t.Cleanup(srv.Close)
			c := New(testBot(srv.URL), nil, nil)

			err := c.post(context.Background(), "sendMessage", "application/json", strings.NewReader("{}"))
			var rej *apiError
			if !stderrors.As(err, &rej) {
				t.Fatalf("err = %v, want *apiError", err)
			}
			if rej.code != tt.wantCode {
				t.Errorf("code = %d, want %d", rej.code, tt.wantCode)
			}
			if rej.retryAfter != tt.wantRetryIn {
				t.Errorf("retryAfter = %s, want %s", rej.retryAfter, tt.wantRetryIn)
			}
			if rej.permanent() != tt.wantPermanent {
				t.Errorf("permanent() = %v, want %v", rej.permanent(), tt.wantPermanent)
			}
		})
	}
}

type groupCall struct {
	method  string
	chatID  string
	entries []struct {
		Type    string `json:"type"`
		Media   string `json:"media"`
		Caption string `json:"caption"`
	}
	photo string
}

func TestSendMediaGroupChunksLongBaskets(t *testing.T) {
	var mu sync.Mutex
	var calls []groupCall
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		call := groupCall{method: path.Base(r.URL.Path)}
		switch call.method {
		case "sendMediaGroup":
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				t.Errorf("parse group form: %v", err)
			}
			call.chatID = r.FormValue("chat_id")
			if err := json.Unmarshal([]byte(r.FormValue("media")), &call.entries); err != nil {
				t.Errorf("parse media json: %v", err)
			}
		case "sendPhoto":
			var p struct {
				Photo string `json:"photo"`
			}
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				t.Errorf("decode photo body: %v", err)
			}
			call.photo = p.Photo
		}
		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()
		respondOK(w)
	})

	items := make([]MediaItem, 21)
	for i := range items {
		items[i] = MediaItem{Kind: MediaPhoto, Ref: fmt.Sprintf("remote-%d", i)}
	}

	if err := c.SendMediaGroup(context.Background(), 7, items); err != nil {
		t.Fatalf("SendMediaGroup: %v", err)
	}

	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3 (10+10+1)", len(calls))
	}
	if calls[0].method != "sendMediaGroup" || len(calls[0].entries) != 10 {
		t.Errorf("first chunk = %s with %d items", calls[0].method, len(calls[0].entries))
	}
	if calls[1].method != "sendMediaGroup" || len(calls[1].entries) != 10 {
		t.Errorf("second chunk = %s with %d items", calls[1].method, len(calls[1].entries))
	}
	// The API rejects one-item groups, so the tail goes out alone.
	if calls[2].method != "sendPhoto" || calls[2].photo != "remote-20" {
		t.Errorf("tail = %s photo %q", calls[2].method, calls[2].photo)
	}
	if calls[0].chatID != "7" {
		t.Errorf("chat_id = %q, want 7", calls[0].chatID)
	}
	if got := calls[1].entries[0].Media; got != "remote-10" {
		t.Errorf("second chunk starts at %q, want remote-10", got)
	}
}

func TestSendMediaGroupUploadsLocalFiles(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "front.jpg")
	if err := os.WriteFile(local, []byte("jpegbytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	var entries []struct {
		Type  string `json:"type"`
		Media string `json:"media"`
	}
	var uploaded []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if err := json.Unmarshal([]byte(r.FormValue("media")), &entries); err != nil {
			t.Errorf("parse media json: %v", err)
		}
		file, _, err := r.FormFile("file0")
		if err != nil {
			t.Errorf("missing file0 part: %v", err)
		} else {
			uploaded, _ = io.ReadAll(file)
			file.Close()
		}
		respondOK(w)
	})

	items := []MediaItem{
		{Kind: MediaPhoto, Ref: local, Caption: "front"},
		{Kind: MediaVideo, Ref: "remote-video-id"},
	}
	if err := c.SendMediaGroup(context.Background(), 7, items); err != nil {
		t.Fatalf("SendMediaGroup: %v", err)
	}

	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Media != "attach://file0" || entries[0].Type != "photo" {
		t.Errorf("local entry = %+v, want attach://file0 photo", entries[0])
	}
	if entries[1].Media != "remote-video-id" || entries[1].Type != "video" {
		t.Errorf("remote entry = %+v", entries[1])
	}
	if string(uploaded) != "jpegbytes" {
		t.Errorf("uploaded = %q, want file contents", uploaded)
	}
}

func TestSendAnimationUploadsLocalFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "promo.gif")
	if err := os.WriteFile(local, []byte("gifbytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	var method, chatID, caption string
	var uploaded []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method = path.Base(r.URL.Path)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		chatID = r.FormValue("chat_id")
		caption = r.FormValue("caption")
		file, _, err := r.FormFile("animation")
		if err != nil {
			t.Errorf("missing animation part: %v", err)
		} else {
			uploaded, _ = io.ReadAll(file)
			file.Close()
		}
		respondOK(w)
	})

	err := c.SendAnimation(context.Background(), 7, MediaItem{Ref: local, Caption: "enjoy"})
	if err != nil {
		t.Fatalf("SendAnimation: %v", err)
	}
	if method != "sendAnimation" || chatID != "7" || caption != "enjoy" {
		t.Errorf("got method=%q chat=%q caption=%q", method, chatID, caption)
	}
	if string(uploaded) != "gifbytes" {
		t.Errorf("uploaded = %q", uploaded)
	}
}

func TestSendAnimationRemoteRefUsesJSON(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		respondOK(w)
	})

	err := c.SendAnimation(context.Background(), 7, MediaItem{Ref: "remote-anim-id"})
	if err != nil {
		t.Fatalf("SendAnimation: %v", err)
	}
	if got["animation"] != "remote-anim-id" {
		t.Errorf("animation ref = %v", got["animation"])
	}
}

func TestNewNotifierFallsBackToNoop(t *testing.T) {
	if _, ok := NewNotifier(nil).(NoopNotifier); !ok {
		t.Error("nil client should yield NoopNotifier")
	}

	cfg := testBot("http://localhost:0")
	cfg.Token = ""
	if _, ok := NewNotifier(New(cfg, nil, nil)).(NoopNotifier); !ok {
		t.Error("missing token should yield NoopNotifier")
	}
}

func TestBotNotifierRoutesNotices(t *testing.T) {
	got := make(chan textMessage, 1)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var msg textMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode body: %v", err)
		}
		got <- msg
		respondOK(w)
	})
	n := NewNotifier(c)

	receive := func(what string) textMessage {
		t.Helper()
		select {
		case msg := <-got:
			return msg
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never reached the API", what)
			return textMessage{}
		}
	}

	n.NotifyUser(context.Background(), 42, "payment confirmed")
	if msg := receive("user notice"); msg.ChatID != 42 || msg.Text != "payment confirmed" {
		t.Errorf("user notice = %+v", msg)
	}

	n.AlertOperator(context.Background(), "sweep stuck")
	if msg := receive("operator alert"); msg.ChatID != 9000 || msg.Text != "sweep stuck" {
		t.Errorf("operator alert = %+v", msg)
	}

	n.LogPurchase(context.Background(), "order settled")
	if msg := receive("purchase log"); msg.ChatID != 9000 {
		t.Errorf("purchase log went to chat %d, want 9000", msg.ChatID)
	}
}
