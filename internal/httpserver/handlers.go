package httpserver

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SolVend/engine/internal/bot"
	apierrors "github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/pkg/responders"
)

// telegramWebhook ingests messenger updates pushed to the secret path.
// The handler only authenticates, decodes, and enqueues; all command
// work happens on the dispatcher loop.
func (h handlers) telegramWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	// The token in the path is the shared secret. A mismatch answers
	// exactly like an unknown route so the path cannot be probed.
	if chi.URLParam(r, "token") != h.cfg.Bot.Token {
		log.Warn().Msg("webhook.token_mismatch")
		http.NotFound(w, r)
		return
	}

	if !h.dispatcher.Ready() {
		log.Warn().Msg("webhook.dispatcher_not_ready")
		w.Header().Set("Retry-After", "5")
		http.Error(w, "dispatcher not ready", http.StatusServiceUnavailable)
		return
	}

	var update bot.Update
	if err := decodeJSON(r.Body, &update); err != nil {
		log.Debug().Err(err).Msg("webhook.malformed_update")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "malformed update payload")
		return
	}

	if !h.dispatcher.Submit(update) {
		// Refusing the delivery makes the platform retry it later instead
		// of losing the update while the queue drains.
		log.Warn().Int64("update_id", update.UpdateID).Msg("webhook.queue_saturated")
		w.Header().Set("Retry-After", "2")
		http.Error(w, "update queue full", http.StatusServiceUnavailable)
		return
	}

	log.Debug().Int64("update_id", update.UpdateID).Msg("webhook.update_accepted")
	w.WriteHeader(http.StatusOK)
}

// legacyWebhook acknowledges provider callbacks kept only for URL
// compatibility. Settlement is driven by the chain scanner, never by
// webhooks, so the body is discarded unread.
func (h handlers) legacyWebhook(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()
	w.WriteHeader(http.StatusOK)
}

// health answers load balancer and messenger platform probes.
func (h handlers) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// banner identifies the service for anyone poking the root path.
func (h handlers) banner(w http.ResponseWriter, _ *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"service": "solvend-engine",
		"status":  "running",
		"uptime":  time.Since(serverStartTime).Truncate(time.Second).String(),
	})
}
