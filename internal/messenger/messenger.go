// Package messenger sends outbound bot-API traffic: user notices,
// operator alerts, and purchased media. Every send goes through one
// bounded retry path guarded by the messenger circuit breaker.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/SolVend/engine/internal/circuitbreaker"
	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/httputil"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/metrics"
)

const (
	// maxGroupItems is the bot API limit on attachments per media group.
	maxGroupItems = 10

	// maxResponseBytes caps how much of an API response we read.
	maxResponseBytes = 1 << 20
)

// MediaKind tells the API how to render an attachment.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
)

// MediaItem is one deliverable attachment. Ref is either a remote file id
// the API already knows or a local filesystem path; local paths are
// uploaded multipart.
type MediaItem struct {
	Kind    MediaKind
	Ref     string
	Caption string
}

// Client is a bot-API client with pooled transport, bounded retry, and
// breaker protection. The breaker and metrics may be nil; sends then go
// straight through unobserved.
type Client struct {
	cfg      config.BotConfig
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customizes the client.
type Option func(*Client)

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// WithHTTPClient replaces the pooled transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// New constructs a client from the bot config.
func New(cfg config.BotConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics, opts ...Option) *Client {
	timeout := cfg.SendTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		cfg:            cfg,
		client:         httputil.NewClient(timeout),
		breakers:       breakers,
		metrics:        m,
		initialBackoff: 1 * time.Second,
		maxBackoff:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterWebhook points the platform's update delivery at this engine's
// inbound endpoint, which carries the bot token as its path secret. An
// empty base URL skips registration (local development, polling setups).
func (c *Client) RegisterWebhook(ctx context.Context) error {
	if c.cfg.WebhookBaseURL == "" {
		return nil
	}
	payload := map[string]interface{}{
		"url": c.cfg.WebhookBaseURL + "/telegram/" + c.cfg.Token,
	}
	return c.sendWithRetry(ctx, "set_webhook", func(ctx context.Context) error {
		return c.postJSON(ctx, "setWebhook", payload)
	})
}

// SendMessage delivers a plain text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}
	return c.sendWithRetry(ctx, "message", func(ctx context.Context) error {
		return c.postJSON(ctx, "sendMessage", payload)
	})
}

// SendAnimation delivers one animation. Animations cannot ride in media
// groups, so baskets send them individually.
func (c *Client) SendAnimation(ctx context.Context, chatID int64, item MediaItem) error {
	item.Kind = MediaAnimation
	return c.sendWithRetry(ctx, "animation", func(ctx context.Context) error {
		return c.sendSingle(ctx, chatID, item)
	})
}

// SendMediaGroup delivers photo/video attachments in API-sized groups.
// Baskets larger than the group limit are split into consecutive groups
// rather than truncated. A leftover single item goes out on its own send
// since the API rejects one-item groups.
func (c *Client) SendMediaGroup(ctx context.Context, chatID int64, items []MediaItem) error {
	for start := 0; start < len(items); start += maxGroupItems {
		end := start + maxGroupItems
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		var err error
		if len(chunk) == 1 {
			item := chunk[0]
			err = c.sendWithRetry(ctx, string(item.Kind), func(ctx context.Context) error {
				return c.sendSingle(ctx, chatID, item)
			})
		} else {
			err = c.sendWithRetry(ctx, "media_group", func(ctx context.Context) error {
				return c.sendGroup(ctx, chatID, chunk)
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// sendWithRetry runs one logical send with exponential backoff. Permanent
// API rejections (bad request, blocked by the recipient) stop immediately;
// rate limits wait the interval the API asked for.
func (c *Client) sendWithRetry(ctx context.Context, kind string, send func(context.Context) error) error {
	log := logger.FromContext(ctx)

	attempts := c.cfg.SendRetries
	if attempts < 1 {
		attempts = 1
	}

	interval := c.initialBackoff
	attempt := 1
	var err error
	for {
		err = c.execute(func() error { return send(ctx) })
		if err == nil {
			break
		}

		wait := interval
		var rej *apiError
		if stderrors.As(err, &rej) {
			if rej.permanent() {
				break
			}
			if rej.retryAfter > 0 {
				wait = rej.retryAfter
			}
		}
		if attempt >= attempts {
			break
		}

		log.Warn().
			Err(err).
			Str("kind", kind).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("next_retry", wait).
			Msg("messenger.send_retry")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		case <-timer.C:
		}
		if err != nil && ctx.Err() != nil {
			break
		}

		interval *= 2
		if interval > c.maxBackoff {
			interval = c.maxBackoff
		}
		attempt++
	}

	if c.metrics != nil {
		c.metrics.ObserveMessageSend(kind, attempt, err)
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("kind", kind).
			Int("attempts", attempt).
			Msg("messenger.send_failed")
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (c *Client) execute(fn func() error) error {
	if c.breakers == nil {
		return fn()
	}
	_, err := c.breakers.Execute(circuitbreaker.ServiceMessenger, func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// sendSingle delivers one attachment outside a group.
func (c *Client) sendSingle(ctx context.Context, chatID int64, item MediaItem) error {
	method, field := methodFor(item.Kind)

	if localPath(item.Ref) {
		fields := map[string]string{"chat_id": strconv.FormatInt(chatID, 10)}
		if item.Caption != "" {
			fields["caption"] = item.Caption
		}
		return c.postMultipart(ctx, method, fields, []filePart{{field: field, path: item.Ref}})
	}

	payload := map[string]interface{}{
		"chat_id": chatID,
		field:     item.Ref,
	}
	if item.Caption != "" {
		payload["caption"] = item.Caption
	}
	return c.postJSON(ctx, method, payload)
}

// sendGroup posts one sendMediaGroup call. Local paths become attach://
// parts in the multipart body; remote ids pass through as-is.
func (c *Client) sendGroup(ctx context.Context, chatID int64, items []MediaItem) error {
	type groupEntry struct {
		Type    string `json:"type"`
		Media   string `json:"media"`
		Caption string `json:"caption,omitempty"`
	}

	entries := make([]groupEntry, len(items))
	var files []filePart
	for i, item := range items {
		ref := item.Ref
		if localPath(item.Ref) {
			field := fmt.Sprintf("file%d", len(files))
			files = append(files, filePart{field: field, path: item.Ref})
			ref = "attach://" + field
		}
		entries[i] = groupEntry{Type: string(item.Kind), Media: ref, Caption: item.Caption}
	}

	media, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
		"media":   string(media),
	}
	return c.postMultipart(ctx, "sendMediaGroup", fields, files)
}

func methodFor(kind MediaKind) (method, field string) {
	switch kind {
	case MediaVideo:
		return "sendVideo", "video"
	case MediaAnimation:
		return "sendAnimation", "animation"
	default:
		return "sendPhoto", "photo"
	}
}

// localPath reports whether a media ref points at a file on disk. Refs
// that don't resolve are treated as remote ids.
func localPath(ref string) bool {
	if ref == "" {
		return false
	}
	info, err := os.Stat(ref)
	return err == nil && !info.IsDir()
}

func (c *Client) postJSON(ctx context.Context, method string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.post(ctx, method, "application/json", bytes.NewReader(body))
}

func (c *Client) postMultipart(ctx context.Context, method string, fields map[string]string, files []filePart) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return err
		}
	}
	for _, f := range files {
		src, err := os.Open(f.path)
		if err != nil {
			return fmt.Errorf("open media %s: %w", f.path, err)
		}
		part, err := w.CreateFormFile(f.field, filepath.Base(f.path))
		if err == nil {
			_, err = io.Copy(part, src)
		}
		src.Close()
		if err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	return c.post(ctx, method, w.FormDataContentType(), &buf)
}

type filePart struct {
	field string
	path  string
}

// post performs one API call and decodes the ok/error envelope.
func (c *Client) post(ctx context.Context, method, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	var envelope struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
		Parameters  *struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &apiError{code: resp.StatusCode, description: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if envelope.OK {
		return nil
	}

	rej := &apiError{code: envelope.ErrorCode, description: envelope.Description}
	if rej.code == 0 {
		rej.code = resp.StatusCode
	}
	if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
		rej.retryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
	}
	return rej
}

func (c *Client) endpoint(method string) string {
	return c.cfg.APIBaseURL + "/bot" + c.cfg.Token + "/" + method
}

// apiError is a rejection from the messenger API.
type apiError struct {
	code        int
	description string
	retryAfter  time.Duration
}

func (e *apiError) Error() string {
	return fmt.Sprintf("messenger api %d: %s", e.code, e.description)
}

// permanent reports whether retrying cannot help: the request itself is
// bad or the recipient is gone. Rate limits stay retryable.
func (e *apiError) permanent() bool {
	return e.code >= 400 && e.code < 500 && e.code != http.StatusTooManyRequests
}
