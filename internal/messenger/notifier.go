package messenger

import (
	"context"

	"github.com/SolVend/engine/internal/logger"
)

// Notifier delivers payment lifecycle notices. Sends are fire-and-forget:
// implementations log delivery problems instead of returning them, so
// settlement never stalls on messaging.
type Notifier interface {
	// NotifyUser sends a plain notice to the user's chat.
	NotifyUser(ctx context.Context, userID int64, text string)

	// AlertOperator pages the primary operator about a condition that
	// needs manual attention (stuck funds, failed compensation).
	AlertOperator(ctx context.Context, text string)

	// LogPurchase posts a settlement record to the operator log.
	LogPurchase(ctx context.Context, text string)
}

// NoopNotifier discards every notice. Used when the bot is not configured
// and as the default in tests.
type NoopNotifier struct{}

func (NoopNotifier) NotifyUser(context.Context, int64, string) {}
func (NoopNotifier) AlertOperator(context.Context, string)     {}
func (NoopNotifier) LogPurchase(context.Context, string)       {}

// BotNotifier sends notices through the bot API client. Each notice runs
// on its own goroutine so retries never block the caller.
type BotNotifier struct {
	client  *Client
	adminID int64
}

// NewNotifier returns a notifier backed by the client, or NoopNotifier
// when no bot token is configured.
func NewNotifier(client *Client) Notifier {
	if client == nil || client.cfg.Token == "" {
		return NoopNotifier{}
	}
	return &BotNotifier{client: client, adminID: client.cfg.PrimaryAdminID}
}

func (n *BotNotifier) NotifyUser(ctx context.Context, userID int64, text string) {
	sendCtx := detach(ctx)
	go func() {
		if err := n.client.SendMessage(sendCtx, userID, text); err != nil {
			clog := logger.FromContext(sendCtx)
			clog.Warn().
				Err(err).
				Int64("user_id", userID).
				Msg("messenger.user_notice_failed")
		}
	}()
}

func (n *BotNotifier) AlertOperator(ctx context.Context, text string) {
	if n.adminID == 0 {
		return
	}
	sendCtx := detach(ctx)
	go func() {
		if err := n.client.SendMessage(sendCtx, n.adminID, text); err != nil {
			clog := logger.FromContext(sendCtx)
			clog.Error().
				Err(err).
				Msg("messenger.operator_alert_failed")
		}
	}()
}

func (n *BotNotifier) LogPurchase(ctx context.Context, text string) {
	if n.adminID == 0 {
		return
	}
	sendCtx := detach(ctx)
	go func() {
		if err := n.client.SendMessage(sendCtx, n.adminID, text); err != nil {
			clog := logger.FromContext(sendCtx)
			clog.Warn().
				Err(err).
				Msg("messenger.purchase_log_failed")
		}
	}()
}

// detach keeps the request logger but drops the request deadline, since
// the send outlives the triggering update.
func detach(ctx context.Context) context.Context {
	return logger.WithContext(context.Background(), logger.FromContext(ctx))
}
