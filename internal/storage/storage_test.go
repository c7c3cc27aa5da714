package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unlockbot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	return map[string]func() Store{
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "bot.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "bot.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func TestAccountLifecycle(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			_, err := st.GetAccount(ctx, "15551234567")
			require.ErrorIs(t, err, ErrNotFound)

			a, err := st.UpsertAccount(ctx, Account{ID: "15551234567", Name: "X", TargetChannelID: "G1", DelayTier: 200})
			require.NoError(t, err)
			assert.Equal(t, StatusDisconnected, a.Status)

			require.NoError(t, st.SetStatus(ctx, "15551234567", StatusConnected))
			// Unknown ids are ignored.
			require.NoError(t, st.SetStatus(ctx, "nobody", StatusError))

			a, err = st.UpsertAccount(ctx, Account{ID: "15551234567", Name: "Y", TargetChannelID: "G2", DelayTier: 0})
			require.NoError(t, err)
			assert.Equal(t, StatusConnected, a.Status, "upsert keeps status")

			got, err := st.GetAccount(ctx, "15551234567")
			require.NoError(t, err)
			assert.Equal(t, "Y", got.Name)
			assert.Equal(t, "G2", got.TargetChannelID)
			assert.Equal(t, StatusConnected, got.Status)
			assert.True(t, got.HasTarget())

			_, err = st.UpsertAccount(ctx, Account{ID: "100", Name: "no target"})
			require.NoError(t, err)
			all, err := st.ListAccounts(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "100", all[0].ID)
			assert.False(t, all[0].HasTarget())

			require.NoError(t, st.DeleteAccount(ctx, "15551234567"))
			_, err = st.GetAccount(ctx, "15551234567")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFireAudit(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			for i, acct := range []string{"1", "2", "1"} {
				require.NoError(t, st.AppendFire(ctx, FireRecord{
					ID:         uuid.NewString(),
					AccountID:  acct,
					ChannelID:  "G1",
					Payload:    "X",
					Outcome:    "sent",
					Attempts:   i + 1,
					StartedAt:  base.Add(time.Duration(i) * time.Second),
					FinishedAt: base.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
				}))
			}

			fires, err := st.ListFires(ctx, "1", 10)
			require.NoError(t, err)
			require.Len(t, fires, 2)
			assert.Equal(t, 3, fires[0].Attempts, "newest first")
			assert.True(t, fires[0].FinishedAt.Equal(base.Add(2500*time.Millisecond)))

			all, err := st.ListFires(ctx, "", 1)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestFileStoreReplaysAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := st.(*fileStore)
	fs.compactEvery = 2
	for _, id := range []string{"1", "2", "3"} {
		_, err := st.UpsertAccount(ctx, Account{ID: id, Name: "n" + id})
		require.NoError(t, err)
	}
	require.NoError(t, st.DeleteAccount(ctx, "2"))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	all, err := st.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "1", all[0].ID)
	assert.Equal(t, "3", all[1].ID)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}
