// Package bot routes inbound webhook updates to command handlers. A
// single dispatcher goroutine consumes the update queue, so handlers
// never run concurrently and a user's commands execute in arrival order.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/SolVend/engine/internal/config"
	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/metrics"
	"github.com/SolVend/engine/internal/storage"
)

const defaultQueueSize = 256

const (
	bannedReply       = "🚫 Your account is suspended. Contact support if you believe this is a mistake."
	genericErrorReply = "❌ Something went wrong. Please try again."
	adminOnlyReply    = "This command is restricted to operators."
)

// Update is one inbound webhook event. Only the fields the dispatcher
// routes on are decoded; the rest of the payload is ignored.
type Update struct {
	UpdateID int64          `json:"update_id"`
	Message  *Message       `json:"message,omitempty"`
	Callback *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is an inbound chat message; commands arrive as "/action args".
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *Actor `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// CallbackQuery is a button tap; Data carries "action:arg:arg".
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    *Actor   `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data"`
}

// Actor identifies the human behind an update.
type Actor struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Chat identifies where replies go.
type Chat struct {
	ID int64 `json:"id"`
}

// Request is a routed command: who asked, where to answer, what they
// asked for.
type Request struct {
	UserID   int64
	Username string
	ChatID   int64
	Action   string
	Args     []string
}

// request normalizes an update into a Request. Updates that carry neither
// a command message nor a callback are ignored.
func (u Update) request() (Request, bool) {
	switch {
	case u.Callback != nil && u.Callback.From != nil && u.Callback.Data != "":
		parts := strings.Split(u.Callback.Data, ":")
		req := Request{
			UserID:   u.Callback.From.ID,
			Username: u.Callback.From.Username,
			ChatID:   u.Callback.From.ID,
			Action:   parts[0],
			Args:     parts[1:],
		}
		if u.Callback.Message != nil && u.Callback.Message.Chat.ID != 0 {
			req.ChatID = u.Callback.Message.Chat.ID
		}
		return req, true

	case u.Message != nil && u.Message.From != nil && strings.HasPrefix(u.Message.Text, "/"):
		fields := strings.Fields(strings.TrimPrefix(u.Message.Text, "/"))
		if len(fields) == 0 {
			return Request{}, false
		}
		return Request{
			UserID:   u.Message.From.ID,
			Username: u.Message.From.Username,
			ChatID:   u.Message.Chat.ID,
			Action:   fields[0],
			Args:     fields[1:],
		}, true
	}
	return Request{}, false
}

// HandlerFunc executes one command and returns the reply text. An empty
// reply with a nil error sends nothing.
type HandlerFunc func(ctx context.Context, req Request) (string, error)

// Store is the slice of the storage layer the dispatcher needs: user rows
// are created on first contact and carry the ban flag.
type Store interface {
	GetOrCreateUser(ctx context.Context, userID int64, username string) (storage.User, error)
}

// Replier answers commands in chat. Implemented by messenger.Client.
type Replier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Dispatcher owns the update queue and the action table.
type Dispatcher struct {
	cfg     config.BotConfig
	store   Store
	reply   Replier
	metrics *metrics.Metrics

	// Failure replies, with the support handle appended when one is
	// configured.
	errorText  string
	bannedText string

	// handlers and admin are fixed after registration; Start is the
	// synchronization point.
	handlers map[string]HandlerFunc
	admin    map[string]bool

	updates chan Update
	ready   atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithQueueSize overrides the update queue capacity.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.updates = make(chan Update, n)
		}
	}
}

// NewDispatcher builds a dispatcher with an empty action table. m may be
// nil.
func NewDispatcher(cfg config.BotConfig, store Store, reply Replier, m *metrics.Metrics, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cfg:        cfg,
		store:      store,
		reply:      reply,
		metrics:    m,
		errorText:  genericErrorReply,
		bannedText: bannedReply,
		handlers:   make(map[string]HandlerFunc),
		admin:      make(map[string]bool),
		updates:    make(chan Update, defaultQueueSize),
		stopCh:     make(chan struct{}),
	}
	if cfg.SupportHandle != "" {
		d.errorText += " Support: " + cfg.SupportHandle
		d.bannedText += " Support: " + cfg.SupportHandle
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers a handler for an action. Registration must finish
// before Start.
func (d *Dispatcher) Handle(action string, fn HandlerFunc) {
	d.handlers[action] = fn
}

// HandleAdmin registers an operator-only handler.
func (d *Dispatcher) HandleAdmin(action string, fn HandlerFunc) {
	d.handlers[action] = fn
	d.admin[action] = true
}

// Ready reports whether the dispatch loop is consuming updates.
func (d *Dispatcher) Ready() bool { return d.ready.Load() }

// Submit queues an update. It reports false when the dispatcher is not
// running or the queue is full; the update is then dropped.
func (d *Dispatcher) Submit(u Update) bool {
	if !d.ready.Load() {
		d.observeUpdate("rejected")
		return false
	}
	select {
	case d.updates <- u:
		d.observeUpdate("accepted")
		return true
	default:
		d.observeUpdate("dropped")
		return false
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		d.ready.Store(true)
		d.wg.Add(1)
		go d.loop(ctx)
		clog := logger.FromContext(ctx)
		clog.Info().Int("actions", len(d.handlers)).Msg("bot.dispatcher_started")
	})
}

// Stop shuts the loop down and waits for the in-flight command to finish.
// Queued updates are dropped; the sender will retry delivery.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.ready.Store(false)
		close(d.stopCh)
		d.wg.Wait()
	})
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case u := <-d.updates:
			d.dispatch(ctx, u)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, u Update) {
	log := logger.FromContext(ctx)
	req, ok := u.request()
	if !ok {
		log.Debug().Int64("update_id", u.UpdateID).Msg("bot.update_ignored")
		return
	}

	user, err := d.store.GetOrCreateUser(ctx, req.UserID, req.Username)
	if err != nil {
		log.Error().Err(err).Int64("user_id", req.UserID).Msg("bot.user_lookup_failed")
		d.send(ctx, req.ChatID, d.errorText)
		return
	}
	if user.IsBanned {
		log.Info().
			Int64("user_id", req.UserID).
			Str("action", req.Action).
			Msg("bot.banned_user_rejected")
		d.send(ctx, req.ChatID, d.bannedText)
		return
	}

	fn, ok := d.handlers[req.Action]
	if !ok {
		log.Debug().Str("action", req.Action).Int64("user_id", req.UserID).Msg("bot.unknown_action")
		d.send(ctx, req.ChatID, fmt.Sprintf("Unknown action %q.", req.Action))
		return
	}
	if d.admin[req.Action] && !d.cfg.IsAdmin(req.UserID) {
		log.Warn().
			Int64("user_id", req.UserID).
			Str("action", req.Action).
			Msg("bot.admin_action_denied")
		d.send(ctx, req.ChatID, adminOnlyReply)
		return
	}

	reply, err := fn(ctx, req)
	if err != nil {
		log.Warn().
			Err(err).
			Str("action", req.Action).
			Int64("user_id", req.UserID).
			Msg("bot.command_failed")
		d.send(ctx, req.ChatID, d.replyForError(err))
		return
	}
	if reply != "" {
		d.send(ctx, req.ChatID, reply)
	}
	log.Info().Str("action", req.Action).Int64("user_id", req.UserID).Msg("bot.command_handled")
}

func (d *Dispatcher) send(ctx context.Context, chatID int64, text string) {
	if err := d.reply.SendMessage(ctx, chatID, text); err != nil {
		clog := logger.FromContext(ctx)
		clog.Error().Err(err).Int64("chat_id", chatID).Msg("bot.reply_failed")
	}
}

func (d *Dispatcher) observeUpdate(status string) {
	if d.metrics != nil {
		d.metrics.ObserveUpdate(status)
	}
}

// replyForError turns a handler failure into a chat answer. Coded errors
// carry messages written for users; anything else gets the generic notice.
func (d *Dispatcher) replyForError(err error) string {
	var coded *errors.Error
	if errors.As(err, &coded) && coded.Message != "" {
		return "❌ " + coded.Message
	}
	return d.errorText
}
