package bot

import (
	"context"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Broadcaster sends a message to every registered user with a fixed
// pacing delay. Individual failures are logged and skipped; one blocked
// user never aborts the run.
type Broadcaster struct {
	api    Sender
	users  UserRegistry
	delay  time.Duration
	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster with the given pacing delay
func NewBroadcaster(api Sender, users UserRegistry, delay time.Duration, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		api:    api,
		users:  users,
		delay:  delay,
		logger: logger,
	}
}

// Broadcast sends text to all registered users and reports how many
// sends succeeded and failed
func (br *Broadcaster) Broadcast(ctx context.Context, text string) (sent, failed int) {
	userIDs, err := br.users.AllUserIDs(ctx)
	if err != nil {
		br.logger.Error("Failed to load user list for broadcast", zap.Error(err))
		return 0, 0
	}

	for _, userID := range userIDs {
		select {
		case <-ctx.Done():
			br.logger.Warn("Broadcast interrupted",
				zap.Int("sent", sent),
				zap.Int("failed", failed),
			)
			return sent, failed
		default:
		}

		if _, err := br.api.Send(tgbotapi.NewMessage(userID, text)); err != nil {
			br.logger.Warn("Failed to deliver broadcast message",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
			failed++
		} else {
			sent++
		}
		time.Sleep(br.delay)
	}

	br.logger.Info("Broadcast finished", zap.Int("sent", sent), zap.Int("failed", failed))
	return sent, failed
}
