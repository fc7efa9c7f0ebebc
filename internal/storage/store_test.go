package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "relaydeck/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	return st
}

func TestStoreDrivers(t *testing.T) {
	for _, driver := range []string{"memory", "file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "deck.db")
			st := openDriver(t, driver, path)
			defer st.Close()

			_, ok, err := st.LoadSettings(ctx)
			require.NoError(t, err)
			assert.False(t, ok, "fresh store has no settings")

			require.NoError(t, st.SaveSettings(ctx, []byte(`{"max_relays":3}`)))
			raw, ok, err := st.LoadSettings(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.JSONEq(t, `{"max_relays":3}`, string(raw))

			at := time.Unix(1700000000, 0).UTC()
			require.NoError(t, st.PutRemembered(ctx, Remembered{Kind: "relay_connection", Key: "wss://b", Approved: true, At: at}))
			require.NoError(t, st.PutRemembered(ctx, Remembered{Kind: "relay_connection", Key: "wss://a", Approved: false, At: at}))
			require.NoError(t, st.PutRemembered(ctx, Remembered{Kind: "relay_connection", Key: "wss://a", Approved: true, At: at}))

			list, err := st.ListRemembered(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "wss://a", list[0].Key)
			assert.True(t, list[0].Approved, "later put wins")

			require.NoError(t, st.DeleteRemembered(ctx, "relay_connection", "wss://b"))
			list, err = st.ListRemembered(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: at, ItemID: "x", Kind: "remote_sign", Action: "decline"}))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "deck.json")

	st := openDriver(t, "file", path)
	require.NoError(t, st.SaveSettings(ctx, []byte(`{"auth_policy":"never"}`)))
	for i := 0; i < compactEvery+2; i++ {
		require.NoError(t, st.PutRemembered(ctx, Remembered{Kind: "relay_authentication", Key: "k", Approved: i%2 == 0}))
	}
	require.NoError(t, st.PutRemembered(ctx, Remembered{Kind: "relay_connection", Key: "wss://gone"}))
	require.NoError(t, st.DeleteRemembered(ctx, "relay_connection", "wss://gone"))
	require.NoError(t, st.Close())

	st = openDriver(t, "file", path)
	defer st.Close()
	raw, ok, err := st.LoadSettings(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"auth_policy":"never"}`, string(raw))

	list, err := st.ListRemembered(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "k", list[0].Key)
	assert.False(t, list[0].Approved, "last write was a decline")
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "deck.db")

	st := openDriver(t, "sqlite", path)
	require.NoError(t, st.PutRemembered(ctx, Remembered{Kind: "relay_connection", Key: "wss://a", Approved: true}))
	require.NoError(t, st.Close())

	st = openDriver(t, "sqlite", path)
	defer st.Close()
	list, err := st.ListRemembered(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Approved)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestMemoryClosedRejectsWrites(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.SaveSettings(context.Background(), []byte("{}")), ErrClosed)
}
