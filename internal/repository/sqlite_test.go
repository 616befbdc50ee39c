package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cursxzxc/meltowshop/internal/domain"
)

func newTestDB(t *testing.T) *SingleWriterDB {
	t.Helper()
	db, err := NewSingleWriterDB(filepath.Join(t.TempDir(), "shop.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAddUser_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.AddUser(ctx, 100))
	require.NoError(t, db.AddUser(ctx, 100))
	require.NoError(t, db.AddUser(ctx, 200))

	ids, err := db.AllUserIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 200}, ids)
}

func TestReservation_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	res := &domain.Reservation{
		ID:        uuid.New().String(),
		ItemID:    "acc-001.session",
		Kind:      domain.KindSession,
		BuyerID:   42,
		InvoiceID: "98765",
		Amount:    decimal.RequireFromString("0.5"),
		CreatedAt: now,
		ExpiresAt: now.Add(100 * time.Second),
	}
	require.NoError(t, db.SaveReservation(ctx, res))

	loaded, err := db.ActiveReservations(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, res.ID, loaded[0].ID)
	assert.Equal(t, res.ItemID, loaded[0].ItemID)
	assert.Equal(t, domain.KindSession, loaded[0].Kind)
	assert.Equal(t, int64(42), loaded[0].BuyerID)
	assert.Equal(t, "98765", loaded[0].InvoiceID)
	assert.True(t, res.Amount.Equal(loaded[0].Amount))
	assert.True(t, res.ExpiresAt.Equal(loaded[0].ExpiresAt))
}

func TestReservation_UniquePerItem(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	first := &domain.Reservation{
		ID: uuid.New().String(), ItemID: "acc-001.session", Kind: domain.KindSession,
		BuyerID: 1, InvoiceID: "a", Amount: decimal.New(1, 0),
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	second := &domain.Reservation{
		ID: uuid.New().String(), ItemID: "acc-001.session", Kind: domain.KindSession,
		BuyerID: 2, InvoiceID: "b", Amount: decimal.New(1, 0),
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}

	require.NoError(t, db.SaveReservation(ctx, first))
	assert.Error(t, db.SaveReservation(ctx, second))
}

func TestDeleteReservation_NoopWhenAbsent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	assert.NoError(t, db.DeleteReservation(ctx, "ghost.session"))
}

func TestSettings_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, ok, err := db.GetSetting(ctx, SettingSessionPrice)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetSetting(ctx, SettingSessionPrice, "0.5"))
	require.NoError(t, db.SetSetting(ctx, SettingSessionPrice, "0.75"))

	value, ok, err := db.GetSetting(ctx, SettingSessionPrice)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0.75", value)
}
