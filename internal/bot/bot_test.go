package bot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/catalog"
	"github.com/cursxzxc/meltowshop/internal/domain"
	"github.com/cursxzxc/meltowshop/internal/repository"
)

// fakeSender records every outbound Telegram call
type fakeSender struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	failFor map[int64]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{failFor: make(map[int64]error)}
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		if err, fail := f.failFor[msg.ChatID]; fail {
			return tgbotapi.Message{}, err
		}
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func (f *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if msg, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeSender) lastText() string {
	msgs := f.messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text
}

// fakeRegistry is an in-memory UserRegistry
type fakeRegistry struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (f *fakeRegistry) AddUser(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.ids {
		if id == userID {
			return nil
		}
	}
	f.ids = append(f.ids, userID)
	return nil
}

func (f *fakeRegistry) AllUserIDs(ctx context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]int64(nil), f.ids...), nil
}

// fakeSettings is an in-memory SettingsStore
type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{values: make(map[string]string)}
}

func (f *fakeSettings) GetSetting(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeSettings) SetSetting(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

// MockAdminStore is a mock implementation of AdminStore
type MockAdminStore struct {
	mock.Mock
}

func (m *MockAdminStore) SetSessionPrice(ctx context.Context, price decimal.Decimal) error {
	args := m.Called(ctx, price)
	return args.Error(0)
}

func (m *MockAdminStore) SetScriptPrice(ctx context.Context, name string, price decimal.Decimal) error {
	args := m.Called(ctx, name, price)
	return args.Error(0)
}

type botFixture struct {
	sender     *fakeSender
	registry   *fakeRegistry
	settings   *fakeSettings
	store      *MockAdminStore
	cat        *catalog.Catalog
	scriptsDir string
	bot        *Bot
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	root := t.TempDir()
	scriptsDir := filepath.Join(root, "scripts")
	log := zap.NewNop()
	cat, err := catalog.New(
		filepath.Join(root, "sessions"),
		filepath.Join(root, "sell"),
		filepath.Join(root, "invalid"),
		scriptsDir,
		log,
	)
	require.NoError(t, err)

	sender := newFakeSender()
	registry := &fakeRegistry{}
	settings := newFakeSettings()
	store := new(MockAdminStore)
	broadcast := NewBroadcaster(sender, registry, time.Millisecond, log)

	return &botFixture{
		sender:     sender,
		registry:   registry,
		settings:   settings,
		store:      store,
		cat:        cat,
		scriptsDir: scriptsDir,
		bot:        New(sender, nil, cat, registry, store, settings, "USDT", []int64{100}, broadcast, log),
	}
}

func adminMessage(userID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: userID},
		Chat: &tgbotapi.Chat{ID: userID},
		Text: text,
	}
}

func TestStart_RegistersUserAndShowsMenu(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(context.Background(), adminMessage(42, "/start"))

	ids, err := f.registry.AllUserIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, ids)

	msgs := f.sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "Welcome")
	assert.NotNil(t, msgs[0].ReplyMarkup)
}

func TestFreeText_GetsMenuHint(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(context.Background(), adminMessage(42, "hello there"))
	assert.Contains(t, f.sender.lastText(), "use the menu")
}

func TestAdmin_DeniedForNonAdmins(t *testing.T) {
	f := newBotFixture(t)
	f.bot.handleMessage(context.Background(), adminMessage(42, "/admin"))
	assert.Contains(t, f.sender.lastText(), "do not have access")
}

func TestAdmin_BroadcastFlow(t *testing.T) {
	f := newBotFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.AddUser(ctx, 1))
	require.NoError(t, f.registry.AddUser(ctx, 2))
	f.sender.failFor[2] = errors.New("blocked by user")

	f.bot.handleMessage(ctx, adminMessage(100, "/admin"))
	f.bot.handleMessage(ctx, adminMessage(100, buttonBroadcast))
	f.bot.handleMessage(ctx, adminMessage(100, "big sale today"))

	assert.Contains(t, f.sender.lastText(), "Delivered: 1, failed: 1")

	var delivered []string
	for _, msg := range f.sender.messages() {
		if msg.ChatID == 1 {
			delivered = append(delivered, msg.Text)
		}
	}
	assert.Contains(t, delivered, "big sale today")
}

func TestAdmin_AddAdminPersists(t *testing.T) {
	f := newBotFixture(t)
	ctx := context.Background()

	f.bot.handleMessage(ctx, adminMessage(100, "/admin"))
	f.bot.handleMessage(ctx, adminMessage(100, buttonAddAdmin))
	f.bot.handleMessage(ctx, adminMessage(100, "200"))
	assert.Contains(t, f.sender.lastText(), "200 is now an admin")

	stored, ok, err := f.settings.GetSetting(ctx, repository.SettingExtraAdmins)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "200", stored)

	// the new admin can open the panel without a restart
	f.bot.handleMessage(ctx, adminMessage(200, "/admin"))
	assert.Contains(t, f.sender.lastText(), "admin panel")
}

func TestAdmin_AddAdminRejectsGarbage(t *testing.T) {
	f := newBotFixture(t)
	ctx := context.Background()

	f.bot.handleMessage(ctx, adminMessage(100, "/admin"))
	f.bot.handleMessage(ctx, adminMessage(100, buttonAddAdmin))
	f.bot.handleMessage(ctx, adminMessage(100, "not-a-number"))
	assert.Contains(t, f.sender.lastText(), "not a valid user ID")
}

func TestAdmin_SessionPriceConfirmFlow(t *testing.T) {
	f := newBotFixture(t)
	ctx := context.Background()
	f.store.On("SetSessionPrice", mock.Anything, decimal.RequireFromString("1.5")).Return(nil).Once()

	f.bot.handleMessage(ctx, adminMessage(100, "/admin"))
	f.bot.handleMessage(ctx, adminMessage(100, buttonChangePrice))
	f.bot.handleMessage(ctx, adminMessage(100, buttonSessions))
	f.bot.handleMessage(ctx, adminMessage(100, "1.5"))
	assert.Contains(t, f.sender.lastText(), "Change the session price to 1.5?")

	f.bot.handleMessage(ctx, adminMessage(100, buttonYes))
	assert.Contains(t, f.sender.lastText(), "Session price changed")
	f.store.AssertExpectations(t)
}

func TestAdmin_SessionPriceDeclined(t *testing.T) {
	f := newBotFixture(t)
	ctx := context.Background()

	f.bot.handleMessage(ctx, adminMessage(100, "/admin"))
	f.bot.handleMessage(ctx, adminMessage(100, buttonChangePrice))
	f.bot.handleMessage(ctx, adminMessage(100, buttonSessions))
	f.bot.handleMessage(ctx, adminMessage(100, "9.99"))
	f.bot.handleMessage(ctx, adminMessage(100, buttonNo))

	assert.Contains(t, f.sender.lastText(), "cancelled")
	f.store.AssertNotCalled(t, "SetSessionPrice", mock.Anything, mock.Anything)
}

func TestAdmin_ScriptPriceFlow(t *testing.T) {
	f := newBotFixture(t)
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(filepath.Join(f.scriptsDir, "parser"), 0o755))

	f.store.On("SetScriptPrice", mock.Anything, "parser", decimal.RequireFromString("3")).Return(nil).Once()

	f.bot.handleMessage(ctx, adminMessage(100, "/admin"))
	f.bot.handleMessage(ctx, adminMessage(100, buttonChangePrice))
	f.bot.handleMessage(ctx, adminMessage(100, buttonScripts))
	f.bot.handleMessage(ctx, adminMessage(100, "parser"))
	f.bot.handleMessage(ctx, adminMessage(100, "3"))
	f.bot.handleMessage(ctx, adminMessage(100, buttonYes))

	assert.Contains(t, f.sender.lastText(), "Script price changed")
	f.store.AssertExpectations(t)
}

func TestBroadcaster_CountsFailures(t *testing.T) {
	sender := newFakeSender()
	registry := &fakeRegistry{}
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, registry.AddUser(ctx, id))
	}
	sender.failFor[2] = errors.New("blocked")

	br := NewBroadcaster(sender, registry, time.Millisecond, zap.NewNop())
	sent, failed := br.Broadcast(ctx, "hello")
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, failed)
}

func TestDeliverer_SessionDocument(t *testing.T) {
	f := newBotFixture(t)
	soldPath := f.cat.SoldSessionPath("a.session")
	require.NoError(t, os.WriteFile(soldPath, []byte("SQLite format 3\x00"), 0o644))

	d := NewDeliverer(f.sender, f.cat, zap.NewNop())
	res := domain.Reservation{ItemID: "a.session", Kind: domain.KindSession, BuyerID: 42}
	require.NoError(t, d.Deliver(context.Background(), res))

	var gotDoc bool
	for _, c := range f.sender.sent {
		if doc, ok := c.(tgbotapi.DocumentConfig); ok {
			gotDoc = true
			assert.Equal(t, int64(42), doc.ChatID)
			assert.Equal(t, tgbotapi.FilePath(soldPath), doc.File)
		}
	}
	assert.True(t, gotDoc)
}

func TestDeliverer_MissingScriptArchive(t *testing.T) {
	f := newBotFixture(t)
	d := NewDeliverer(f.sender, f.cat, zap.NewNop())
	res := domain.Reservation{ItemID: "ghost", Kind: domain.KindScript, BuyerID: 42}
	assert.Error(t, d.Deliver(context.Background(), res))
}

func TestDeliverer_Notices(t *testing.T) {
	f := newBotFixture(t)
	d := NewDeliverer(f.sender, f.cat, zap.NewNop())
	res := domain.Reservation{ItemID: "a.session", Kind: domain.KindSession, BuyerID: 42}

	d.NotifyExpired(context.Background(), res)
	assert.Contains(t, f.sender.lastText(), "expired")

	d.NotifyDeliveryFailed(context.Background(), res)
	assert.Contains(t, f.sender.lastText(), "received your payment")
}
