package bot

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/catalog"
	"github.com/cursxzxc/meltowshop/internal/domain"
)

// Deliverer hands sold artifacts to buyers over Telegram. It implements
// the fulfillment worker's delivery contract.
type Deliverer struct {
	api     Sender
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewDeliverer creates the Telegram deliverer
func NewDeliverer(api Sender, cat *catalog.Catalog, logger *zap.Logger) *Deliverer {
	return &Deliverer{
		api:     api,
		catalog: cat,
		logger:  logger,
	}
}

// Deliver sends the purchased artifact to the buyer. For sessions the
// file has already been moved into the sold area; for scripts the
// archive is sent from the script folder.
func (d *Deliverer) Deliver(ctx context.Context, res domain.Reservation) error {
	var path string
	switch res.Kind {
	case domain.KindSession:
		path = d.catalog.SoldSessionPath(res.ItemID)
	case domain.KindScript:
		archive, err := d.catalog.ScriptArchive(res.ItemID)
		if err != nil {
			return fmt.Errorf("locate script archive: %w", err)
		}
		path = archive
	default:
		return fmt.Errorf("unknown item kind %q", res.Kind)
	}

	if _, err := d.api.Send(tgbotapi.NewMessage(res.BuyerID, "Thank you for your purchase! Here is your item:")); err != nil {
		d.logger.Warn("Failed to send purchase message",
			zap.Int64("buyer_id", res.BuyerID),
			zap.Error(err),
		)
	}

	doc := tgbotapi.NewDocument(res.BuyerID, tgbotapi.FilePath(path))
	if _, err := d.api.Send(doc); err != nil {
		return fmt.Errorf("send document to %d: %w", res.BuyerID, err)
	}

	d.logger.Info("Artifact delivered",
		zap.String("item_id", res.ItemID),
		zap.Int64("buyer_id", res.BuyerID),
	)
	return nil
}

// NotifyExpired tells the buyer the payment window closed
func (d *Deliverer) NotifyExpired(ctx context.Context, res domain.Reservation) {
	msg := tgbotapi.NewMessage(res.BuyerID,
		"Payment time expired or the payment was not confirmed. Please try again.")
	if _, err := d.api.Send(msg); err != nil {
		d.logger.Warn("Failed to send expiry notice",
			zap.Int64("buyer_id", res.BuyerID),
			zap.Error(err),
		)
	}
}

// NotifyDeliveryFailed tells the buyer their payment went through but the
// handover needs operator attention
func (d *Deliverer) NotifyDeliveryFailed(ctx context.Context, res domain.Reservation) {
	msg := tgbotapi.NewMessage(res.BuyerID,
		"We received your payment, but delivering the item failed. An operator will contact you shortly.")
	if _, err := d.api.Send(msg); err != nil {
		d.logger.Warn("Failed to send delivery failure notice",
			zap.Int64("buyer_id", res.BuyerID),
			zap.Error(err),
		)
	}
}
