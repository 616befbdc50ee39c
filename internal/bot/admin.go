package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/repository"
)

const (
	buttonBroadcast   = "Broadcast"
	buttonAddAdmin    = "Add admin"
	buttonChangePrice = "Change price"
	buttonSessions    = "Sessions"
	buttonScripts     = "Scripts"
	buttonYes         = "Yes"
	buttonNo          = "No"
)

type adminStep int

const (
	stepIdle adminStep = iota
	stepBroadcastText
	stepAdminID
	stepPriceType
	stepSessionPrice
	stepConfirmSessionPrice
	stepScriptFolder
	stepScriptPrice
	stepConfirmScriptPrice
)

type adminConv struct {
	step         adminStep
	scriptFolder string
	pendingPrice string
}

// adminPanel is the operator-side conversation: broadcast, admin
// management and price changes. Admin additions persist in the settings
// store and survive restarts.
type adminPanel struct {
	bot       *Bot
	broadcast *Broadcaster

	mu    sync.Mutex
	convs map[int64]*adminConv
}

func newAdminPanel(b *Bot, broadcast *Broadcaster) *adminPanel {
	return &adminPanel{
		bot:       b,
		broadcast: broadcast,
		convs:     make(map[int64]*adminConv),
	}
}

// isAdmin checks the configured admin list plus the durable additions.
// The settings store is read on every check so a freshly added admin
// needs no restart.
func (a *adminPanel) isAdmin(ctx context.Context, userID int64) bool {
	for _, id := range a.bot.rootAdmins {
		if id == userID {
			return true
		}
	}
	for _, id := range a.extraAdmins(ctx) {
		if id == userID {
			return true
		}
	}
	return false
}

func (a *adminPanel) extraAdmins(ctx context.Context) []int64 {
	raw, ok, err := a.bot.settings.GetSetting(ctx, repository.SettingExtraAdmins)
	if err != nil {
		a.bot.logger.Warn("Failed to read extra admins", zap.Error(err))
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (a *adminPanel) addAdmin(ctx context.Context, newID int64) error {
	ids := a.extraAdmins(ctx)
	for _, id := range ids {
		if id == newID {
			return nil
		}
	}
	ids = append(ids, newID)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return a.bot.settings.SetSetting(ctx, repository.SettingExtraAdmins, strings.Join(parts, ","))
}

func (a *adminPanel) conv(userID int64) *adminConv {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.convs[userID]
	if !ok {
		c = &adminConv{}
		a.convs[userID] = c
	}
	return c
}

// open handles /admin
func (a *adminPanel) open(ctx context.Context, msg *tgbotapi.Message) {
	if !a.isAdmin(ctx, msg.From.ID) {
		a.bot.send(tgbotapi.NewMessage(msg.Chat.ID, "You do not have access to the admin panel."))
		return
	}

	*a.conv(msg.From.ID) = adminConv{step: stepIdle}

	reply := tgbotapi.NewMessage(msg.Chat.ID, "Welcome to the admin panel!")
	reply.ReplyMarkup = tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(buttonBroadcast)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(buttonAddAdmin)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(buttonChangePrice)),
	)
	a.bot.send(reply)
}

// handleText consumes one admin text message. Returns false when the
// message is not part of an admin conversation.
func (a *adminPanel) handleText(ctx context.Context, msg *tgbotapi.Message) bool {
	if !a.isAdmin(ctx, msg.From.ID) {
		return false
	}
	conv := a.conv(msg.From.ID)
	chatID := msg.Chat.ID

	switch msg.Text {
	case buttonBroadcast:
		conv.step = stepBroadcastText
		a.reply(chatID, "Enter the text to broadcast:", true)
		return true
	case buttonAddAdmin:
		conv.step = stepAdminID
		a.reply(chatID, "Enter the new admin's user ID:", true)
		return true
	case buttonChangePrice:
		conv.step = stepPriceType
		reply := tgbotapi.NewMessage(chatID, "Which prices do you want to change?")
		reply.ReplyMarkup = tgbotapi.NewReplyKeyboard(
			tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(buttonSessions)),
			tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(buttonScripts)),
		)
		a.bot.send(reply)
		return true
	}

	switch conv.step {
	case stepBroadcastText:
		conv.step = stepIdle
		sent, failed := a.broadcast.Broadcast(ctx, msg.Text)
		a.reply(chatID, fmt.Sprintf("Broadcast finished. Delivered: %d, failed: %d.", sent, failed), true)
		return true

	case stepAdminID:
		newID, err := strconv.ParseInt(strings.TrimSpace(msg.Text), 10, 64)
		if err != nil {
			a.reply(chatID, "That is not a valid user ID. Enter a number.", false)
			return true
		}
		if a.isAdmin(ctx, newID) {
			conv.step = stepIdle
			a.reply(chatID, "That user is already an admin.", true)
			return true
		}
		if err := a.addAdmin(ctx, newID); err != nil {
			a.bot.logger.Error("Failed to persist new admin", zap.Int64("new_admin", newID), zap.Error(err))
			a.reply(chatID, "Could not save the new admin. Try again.", true)
			conv.step = stepIdle
			return true
		}
		conv.step = stepIdle
		a.reply(chatID, fmt.Sprintf("User %d is now an admin.", newID), true)
		return true

	case stepPriceType:
		switch msg.Text {
		case buttonSessions:
			conv.step = stepSessionPrice
			a.reply(chatID, "Enter the new price for all sessions:", true)
		case buttonScripts:
			names, err := a.bot.catalog.Scripts()
			if err != nil || len(names) == 0 {
				conv.step = stepIdle
				a.reply(chatID, "There are no script folders.", true)
				return true
			}
			conv.step = stepScriptFolder
			rows := make([][]tgbotapi.KeyboardButton, 0, len(names))
			for _, name := range names {
				rows = append(rows, tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(name)))
			}
			reply := tgbotapi.NewMessage(chatID, "Choose a script folder:")
			reply.ReplyMarkup = tgbotapi.NewReplyKeyboard(rows...)
			a.bot.send(reply)
		default:
			a.reply(chatID, "Choose Sessions or Scripts.", false)
		}
		return true

	case stepSessionPrice:
		if _, err := decimal.NewFromString(strings.TrimSpace(msg.Text)); err != nil {
			a.reply(chatID, "That is not a valid price. Enter a number.", false)
			return true
		}
		conv.pendingPrice = strings.TrimSpace(msg.Text)
		conv.step = stepConfirmSessionPrice
		a.confirm(chatID, fmt.Sprintf("Change the session price to %s?", conv.pendingPrice))
		return true

	case stepConfirmSessionPrice:
		if msg.Text != buttonYes {
			conv.step = stepIdle
			a.reply(chatID, "Price change cancelled.", true)
			return true
		}
		price := decimal.RequireFromString(conv.pendingPrice)
		if err := a.bot.store.SetSessionPrice(ctx, price); err != nil {
			a.bot.logger.Error("Failed to set session price", zap.Error(err))
			a.reply(chatID, "Could not change the price. Try again.", true)
		} else {
			a.reply(chatID, "Session price changed.", true)
		}
		conv.step = stepIdle
		return true

	case stepScriptFolder:
		conv.scriptFolder = msg.Text
		conv.step = stepScriptPrice
		a.reply(chatID, fmt.Sprintf("Enter the new price for %s:", conv.scriptFolder), true)
		return true

	case stepScriptPrice:
		if _, err := decimal.NewFromString(strings.TrimSpace(msg.Text)); err != nil {
			a.reply(chatID, "That is not a valid price. Enter a number.", false)
			return true
		}
		conv.pendingPrice = strings.TrimSpace(msg.Text)
		conv.step = stepConfirmScriptPrice
		a.confirm(chatID, fmt.Sprintf("Change the price of %s to %s?", conv.scriptFolder, conv.pendingPrice))
		return true

	case stepConfirmScriptPrice:
		if msg.Text != buttonYes {
			conv.step = stepIdle
			a.reply(chatID, "Price change cancelled.", true)
			return true
		}
		price := decimal.RequireFromString(conv.pendingPrice)
		if err := a.bot.store.SetScriptPrice(ctx, conv.scriptFolder, price); err != nil {
			a.bot.logger.Error("Failed to set script price",
				zap.String("script", conv.scriptFolder),
				zap.Error(err),
			)
			a.reply(chatID, "Could not change the script price. Check that the folder exists.", true)
		} else {
			a.reply(chatID, "Script price changed.", true)
		}
		conv.step = stepIdle
		return true
	}

	return false
}

func (a *adminPanel) reply(chatID int64, text string, removeKeyboard bool) {
	msg := tgbotapi.NewMessage(chatID, text)
	if removeKeyboard {
		msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
	}
	a.bot.send(msg)
}

func (a *adminPanel) confirm(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(buttonYes)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(buttonNo)),
	)
	a.bot.send(msg)
}
