package summary

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/listopia/pkg/storage"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(t.TempDir() + "/listopia.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRollWritesBothTiers(t *testing.T) {
	store := newStore(t)
	roller := NewRoller(store, nil, Config{ShortWindow: 2, LongWindow: 4, MaxRunes: 1000}, nil)
	ctx := context.Background()

	var res *Result
	for i := 1; i <= 5; i++ {
		var err error
		res, err = roller.Roll(ctx, storage.Exchange{
			SessionID:     "rk:alice",
			UserText:      fmt.Sprintf("question %d", i),
			AssistantText: fmt.Sprintf("answer %d", i),
		})
		require.NoError(t, err)
		assert.Equal(t, i, res.UserTurn)
	}

	short, err := store.GetSummary(ctx, "rk:alice", storage.TierShort)
	require.NoError(t, err)
	long, err := store.GetSummary(ctx, "rk:alice", storage.TierLong)
	require.NoError(t, err)

	assert.Equal(t, 4, short.FromTurn)
	assert.Equal(t, 5, short.ToTurn)
	assert.Equal(t, 2, long.FromTurn)
	assert.Equal(t, 5, long.ToTurn)

	assert.NotContains(t, short.Text, "question 3")
	assert.Contains(t, short.Text, "question 4")
	assert.Contains(t, long.Text, "question 2")
	assert.NotContains(t, long.Text, "question 1")

	// Only the latest roll survives; nothing is concatenated across writes.
	assert.Equal(t, 1, strings.Count(long.Text, "question 5"))
}

func TestRollPropagatesStoreErrors(t *testing.T) {
	store := newStore(t)
	roller := NewRoller(store, nil, Config{ShortWindow: 1, LongWindow: 2}, nil)
	require.NoError(t, store.Close())

	_, err := roller.Roll(context.Background(), storage.Exchange{SessionID: "rk:x", UserText: "q", AssistantText: "a"})
	assert.Error(t, err)
}

type upperPolicy struct{}

func (upperPolicy) Summarize(window []storage.Message, _ int) string {
	return strings.ToUpper(window[len(window)-1].Content)
}

func TestRollUsesInjectedPolicy(t *testing.T) {
	store := newStore(t)
	roller := NewRoller(store, upperPolicy{}, Config{ShortWindow: 1, LongWindow: 2}, nil)

	res, err := roller.Roll(context.Background(), storage.Exchange{SessionID: "rk:p", UserText: "q", AssistantText: "done"})
	require.NoError(t, err)
	assert.Equal(t, "DONE", res.Short.Text)
	assert.Equal(t, "DONE", res.Long.Text)
}
