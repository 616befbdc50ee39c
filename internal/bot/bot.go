package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/catalog"
	"github.com/cursxzxc/meltowshop/internal/domain"
	"github.com/cursxzxc/meltowshop/internal/session"
)

const (
	callbackBuy           = "buy"
	callbackAbout         = "about"
	callbackCancel        = "cancel"
	callbackBuySession    = "buy_session"
	callbackBuyScript     = "buy_script"
	sessionCallbackPrefix = "session_"
	scriptCallbackPrefix  = "script_"
)

// Sender is the part of the Telegram API the bot needs. *tgbotapi.BotAPI
// satisfies it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// UserRegistry records every user who ever talked to the bot
type UserRegistry interface {
	AddUser(ctx context.Context, userID int64) error
	AllUserIDs(ctx context.Context) ([]int64, error)
}

// AdminStore is the inventory surface the admin panel drives
type AdminStore interface {
	SetSessionPrice(ctx context.Context, price decimal.Decimal) error
	SetScriptPrice(ctx context.Context, name string, price decimal.Decimal) error
}

// SettingsStore persists runtime admin additions
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Bot drives the storefront conversation over Telegram
type Bot struct {
	api      Sender
	flow     *session.Flow
	catalog  *catalog.Catalog
	users    UserRegistry
	store    AdminStore
	settings SettingsStore
	logger   *zap.Logger

	asset      string
	rootAdmins []int64
	admin      *adminPanel
}

// New creates the bot transport around the purchase flow
func New(api Sender, flow *session.Flow, cat *catalog.Catalog, users UserRegistry,
	store AdminStore, settings SettingsStore, asset string, rootAdmins []int64,
	broadcast *Broadcaster, logger *zap.Logger) *Bot {
	b := &Bot{
		api:        api,
		flow:       flow,
		catalog:    cat,
		users:      users,
		store:      store,
		settings:   settings,
		logger:     logger,
		asset:      asset,
		rootAdmins: rootAdmins,
	}
	b.admin = newAdminPanel(b, broadcast)
	return b
}

// Run consumes Telegram updates until the context is cancelled. Each
// update is handled on its own goroutine; per-buyer ordering is enforced
// by the flow's internal locking.
func (b *Bot) Run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	b.logger.Info("Bot update loop started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Bot update loop stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic while handling update", zap.Any("panic", r))
		}
	}()

	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	if err := b.users.AddUser(ctx, userID); err != nil {
		b.logger.Warn("Failed to register user", zap.Int64("user_id", userID), zap.Error(err))
	}

	switch msg.Text {
	case "/start":
		b.sendMainMenu(msg.Chat.ID)
		return
	case "/admin":
		b.admin.open(ctx, msg)
		return
	}

	if b.admin.handleText(ctx, msg) {
		return
	}
	b.send(tgbotapi.NewMessage(msg.Chat.ID, "Please use the menu buttons."))
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	// acknowledge first so the client stops the spinner
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.logger.Warn("Failed to answer callback", zap.Error(err))
	}

	userID := cb.From.ID
	chatID := cb.Message.Chat.ID

	switch {
	case cb.Data == callbackAbout:
		b.send(tgbotapi.NewMessage(chatID,
			"This is a shop for access session files and script archives.\nPress Buy to start."))
		return
	case cb.Data == callbackBuy:
		b.render(ctx, chatID, b.flow.Handle(ctx, userID, session.Event{Kind: session.EventStartPurchase}))
	case cb.Data == callbackCancel:
		b.render(ctx, chatID, b.flow.Handle(ctx, userID, session.Event{Kind: session.EventCancel}))
	case cb.Data == callbackBuySession:
		b.render(ctx, chatID, b.flow.Handle(ctx, userID,
			session.Event{Kind: session.EventKindChosen, ItemKind: domain.KindSession}))
	case cb.Data == callbackBuyScript:
		b.render(ctx, chatID, b.flow.Handle(ctx, userID,
			session.Event{Kind: session.EventKindChosen, ItemKind: domain.KindScript}))
	case strings.HasPrefix(cb.Data, sessionCallbackPrefix):
		itemID := strings.TrimPrefix(cb.Data, sessionCallbackPrefix)
		b.render(ctx, chatID, b.flow.Handle(ctx, userID,
			session.Event{Kind: session.EventItemChosen, ItemID: itemID}))
	case strings.HasPrefix(cb.Data, scriptCallbackPrefix):
		itemID := strings.TrimPrefix(cb.Data, scriptCallbackPrefix)
		b.sendScriptDetail(chatID, itemID)
		b.render(ctx, chatID, b.flow.Handle(ctx, userID,
			session.Event{Kind: session.EventItemChosen, ItemID: itemID}))
	default:
		b.send(tgbotapi.NewMessage(chatID, "Unknown action. Please use the menu buttons."))
	}
}

// render turns a flow reply into Telegram messages
func (b *Bot) render(ctx context.Context, chatID int64, reply session.Reply) {
	switch reply.Kind {
	case session.ReplyKindMenu:
		msg := tgbotapi.NewMessage(chatID, "What would you like to buy?")
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Session", callbackBuySession),
			),
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Script", callbackBuyScript),
			),
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Cancel", callbackCancel),
			),
		)
		b.send(msg)

	case session.ReplyItemList:
		b.sendItemList(chatID, "Choose an item to buy:", reply)

	case session.ReplyNothingForSale:
		b.send(tgbotapi.NewMessage(chatID, "Nothing is for sale in this category right now."))

	case session.ReplyInvoice:
		text := fmt.Sprintf("To complete the purchase, pay %s %s:\n%s",
			reply.Amount.String(), b.asset, reply.Invoice.PayURL)
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL("Pay", reply.Invoice.PayURL),
			),
		)
		b.send(msg)

	case session.ReplyItemTaken:
		b.sendItemList(chatID, "That item is no longer available. Pick another:", reply)

	case session.ReplyItemBroken:
		b.sendItemList(chatID, "That session is not working and was pulled from sale. Pick another:", reply)

	case session.ReplyPriceMissing:
		b.sendItemList(chatID, "That item has no price set yet. Pick another:", reply)

	case session.ReplyPaymentDown:
		b.sendItemList(chatID, "Could not create an invoice right now. Try again in a minute:", reply)

	case session.ReplyCancelled:
		b.send(tgbotapi.NewMessage(chatID, "Purchase cancelled."))

	case session.ReplyStillPaying:
		b.send(tgbotapi.NewMessage(chatID, "You have a pending invoice. Pay it or wait for it to expire."))

	default:
		b.send(tgbotapi.NewMessage(chatID, "Please use the menu buttons."))
	}
}

func (b *Bot) sendMainMenu(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, "Welcome to the shop!")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Buy", callbackBuy),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("About", callbackAbout),
		),
	)
	b.send(msg)
}

func (b *Bot) sendItemList(chatID int64, text string, reply session.Reply) {
	if len(reply.Items) == 0 {
		b.send(tgbotapi.NewMessage(chatID, "Nothing is for sale in this category right now."))
		return
	}

	prefix := sessionCallbackPrefix
	if reply.ItemKind == domain.KindScript {
		prefix = scriptCallbackPrefix
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, item := range reply.Items {
		label := item.ID
		if !item.Price.IsZero() {
			label = fmt.Sprintf("%s (%s %s)", item.ID, item.Price.String(), b.asset)
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, prefix+item.ID),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Cancel", callbackCancel),
	))

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	b.send(msg)
}

// sendScriptDetail shows the script's description and preview image when
// the catalog has them
func (b *Bot) sendScriptDetail(chatID int64, name string) {
	if desc, ok := b.catalog.ScriptDescription(name); ok {
		b.send(tgbotapi.NewMessage(chatID, "Description: "+desc))
	}
	if image, ok := b.catalog.ScriptImage(name); ok {
		b.send(tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(image)))
	}
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.logger.Warn("Failed to send message", zap.Error(err))
	}
}
