package orders

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/SolVend/engine/internal/errors"
	"github.com/SolVend/engine/internal/logger"
	"github.com/SolVend/engine/internal/messenger"
	"github.com/SolVend/engine/internal/storage"
)

// maxCaptionLen is the bot API limit on message length, minus headroom.
const maxCaptionLen = 4090

// deliverAndClean sends the purchased items and, only when every send
// succeeded, removes the sold product rows. On failure the purchase
// stands, the rows stay as the redelivery source, and both sides hear
// about it.
func (c *Coordinator) deliverAndClean(ctx context.Context, userID int64, items []storage.SnapshotItem, ref string) bool {
	log := logger.FromContext(ctx)

	if err := c.deliverBasket(ctx, userID, items); err != nil {
		log.Error().Err(err).
			Int64("user_id", userID).
			Str("ref", ref).
			Int("items", len(items)).
			Msg("orders.delivery_failed")
		c.notifier.AlertOperator(ctx, fmt.Sprintf(
			"Delivery failed for user %d (%s): %d item(s) paid but not delivered. Product rows retained. Error: %v",
			userID, ref, len(items), err))
		c.notifier.NotifyUser(ctx, userID,
			"⚠️ Payment successful, delivery pending. Your payment was processed, but delivering your items hit a technical issue. Support has been notified.")
		return false
	}

	if err := c.inv.HardDelete(ctx, productIDs(items)); err != nil {
		// Everything was delivered; leftover rows are cosmetic.
		log.Warn().Err(err).Str("ref", ref).Msg("orders.cleanup_failed")
	}
	return true
}

// deliverBasket sends the success header, then each item's media group,
// animations, and pickup text. The first failed send aborts the pass.
func (c *Coordinator) deliverBasket(ctx context.Context, userID int64, items []storage.SnapshotItem) error {
	if err := c.deliver.SendMessage(ctx, userID, "🎉 Purchase complete! Pickup details below:"); err != nil {
		return errors.Wrap(err, errors.ErrCodeDeliveryFailed, "send purchase header")
	}
	for _, item := range items {
		if err := c.deliverItem(ctx, userID, item); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) deliverItem(ctx context.Context, userID int64, item storage.SnapshotItem) error {
	pickup := "(No specific pickup details provided)"
	mediaDir := strconv.FormatInt(item.ProductID, 10)

	// The product row survives until HardDelete exactly so this lookup
	// works; a missing row only costs the pickup details.
	if p, err := c.store.GetProduct(ctx, item.ProductID); err == nil {
		if p.PickupText != "" {
			pickup = p.PickupText
		}
		if p.MediaDir != "" {
			mediaDir = p.MediaDir
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		clog := logger.FromContext(ctx)
		clog.Warn().Err(err).
			Int64("product_id", item.ProductID).
			Msg("orders.pickup_lookup_failed")
	}

	group, animations := c.mediaItems(mediaDir)
	if len(group) > 0 {
		if err := c.deliver.SendMediaGroup(ctx, userID, group); err != nil {
			return errors.Wrap(err, errors.ErrCodeDeliveryFailed, fmt.Sprintf("send media for product %d", item.ProductID))
		}
	}
	for _, anim := range animations {
		if err := c.deliver.SendAnimation(ctx, userID, anim); err != nil {
			return errors.Wrap(err, errors.ErrCodeDeliveryFailed, fmt.Sprintf("send animation for product %d", item.ProductID))
		}
	}

	caption := truncate(fmt.Sprintf("--- Item: %s %s ---\n\n%s", item.Name, item.Size, pickup), maxCaptionLen)
	if err := c.deliver.SendMessage(ctx, userID, caption); err != nil {
		return errors.Wrap(err, errors.ErrCodeDeliveryFailed, fmt.Sprintf("send pickup text for product %d", item.ProductID))
	}
	return nil
}

// mediaItems collects a product's attachments from its media directory,
// split into groupable photos/videos and animations, which the API only
// accepts one at a time. A missing directory just means no media.
func (c *Coordinator) mediaItems(dir string) (group, animations []messenger.MediaItem) {
	if c.cfg.MediaDir == "" || dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(filepath.Join(c.cfg.MediaDir, dir))
	if err != nil {
		return nil, nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ref := filepath.Join(c.cfg.MediaDir, dir, entry.Name())
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png", ".webp":
			group = append(group, messenger.MediaItem{Kind: messenger.MediaPhoto, Ref: ref})
		case ".mp4", ".mov":
			group = append(group, messenger.MediaItem{Kind: messenger.MediaVideo, Ref: ref})
		case ".gif":
			animations = append(animations, messenger.MediaItem{Kind: messenger.MediaAnimation, Ref: ref})
		}
	}
	return group, animations
}

func productIDs(items []storage.SnapshotItem) []int64 {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]bool)
	for _, it := range items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	return ids
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
