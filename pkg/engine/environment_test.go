package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/concoursedb/concourse/pkg/value"
)

func mustOpenEnvironment(t *testing.T) *Environment {
	t.Helper()
	dir := t.TempDir()
	env, err := OpenEnvironment("test", EnvironmentOptions{
		BufferDir:   dir + "/buffer",
		DatabaseDir: dir + "/db",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestAddSelectRoundTrip(t *testing.T) {
	env := mustOpenEnvironment(t)
	ctx := context.Background()

	_, err := env.Add(ctx, "name", value.NewString("ada"), 1)
	require.NoError(t, err)
	got := env.store.SelectKey("name", 1, ^uint64(0))
	_, ok := got[value.NewString("ada")]
	require.True(t, ok)
	require.True(t, env.inventory.Contains(1))
}

func TestAddOnAlreadyPresentValueReturnsFalseNotError(t *testing.T) {
	env := mustOpenEnvironment(t)
	ctx := context.Background()

	added, err := env.Add(ctx, "tag", value.NewString("x"), 1)
	require.NoError(t, err)
	require.True(t, added)

	added, err = env.Add(ctx, "tag", value.NewString("x"), 1)
	require.NoError(t, err, "a duplicate ADD is a no-op, not a client-facing error")
	require.False(t, added)
}

func TestSetReplacesAllValues(t *testing.T) {
	env := mustOpenEnvironment(t)
	ctx := context.Background()

	added, err := env.Add(ctx, "color", value.NewString("red"), 1)
	require.NoError(t, err)
	require.True(t, added)
	added, err = env.Add(ctx, "color", value.NewString("blue"), 1)
	require.NoError(t, err)
	require.True(t, added)
	require.NoError(t, env.Set(ctx, "color", value.NewString("green"), 1))

	got := env.store.SelectKey("color", 1, ^uint64(0))
	require.Len(t, got, 1)
	_, ok := got[value.NewString("green")]
	require.True(t, ok)
}

func TestVerifyAndSwap(t *testing.T) {
	env := mustOpenEnvironment(t)
	ctx := context.Background()

	_, err := env.Add(ctx, "count", value.NewInt64(5), 1)
	require.NoError(t, err)
	err = env.VerifyAndSwap(ctx, "count", 1, value.NewInt64(5), value.NewInt64(6))
	require.NoError(t, err)

	got := env.store.SelectKey("count", 1, ^uint64(0))
	_, ok := got[value.NewInt64(6)]
	require.True(t, ok)

	err = env.VerifyAndSwap(ctx, "count", 1, value.NewInt64(5), value.NewInt64(7))
	require.Error(t, err)
}

func TestRevertRestoresHistoricalState(t *testing.T) {
	env := mustOpenEnvironment(t)
	ctx := context.Background()

	_, err := env.Add(ctx, "x", value.NewString("a"), 1)
	require.NoError(t, err)
	at := env.clock.Current()
	require.NoError(t, env.Remove(ctx, "x", value.NewString("a"), 1))

	got := env.store.SelectKey("x", 1, ^uint64(0))
	require.Empty(t, got)

	require.NoError(t, env.Revert(ctx, "x", 1, at))
	got = env.store.SelectKey("x", 1, ^uint64(0))
	_, ok := got[value.NewString("a")]
	require.True(t, ok)
}

func TestInsertAndJsonifyRoundTrip(t *testing.T) {
	env := mustOpenEnvironment(t)
	ctx := context.Background()

	record, err := env.Insert(ctx, `{"name":"A","likes":["x","y"]}`, nil, nil)
	require.NoError(t, err)

	docs, err := env.Jsonify([]uint64{record}, ^uint64(0), false)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Contains(t, docs[0], `"name":"A"`)
	require.Contains(t, docs[0], "likes")
}

func TestNavigateFollowsLinksTransitively(t *testing.T) {
	env := mustOpenEnvironment(t)
	ctx := context.Background()

	_, err := env.Add(ctx, "friend", value.NewLink(2), 1)
	require.NoError(t, err)
	_, err = env.Add(ctx, "friend", value.NewLink(3), 2)
	require.NoError(t, err)

	reachable := env.Navigate(nil, 1, ^uint64(0))
	_, ok2 := reachable[2]
	_, ok3 := reachable[3]
	require.True(t, ok2)
	require.True(t, ok3)
}

func TestFindOrAddReturnsExistingRecord(t *testing.T) {
	env := mustOpenEnvironment(t)
	ctx := context.Background()

	first, err := env.FindOrAdd(ctx, "email", value.NewString("a@b.com"))
	require.NoError(t, err)
	second, err := env.FindOrAdd(ctx, "email", value.NewString("a@b.com"))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestStageCommitVisibility(t *testing.T) {
	env := mustOpenEnvironment(t)
	ctx := context.Background()

	token, err := env.Stage(0)
	require.NoError(t, err)
	tx, ok := env.Transaction(token)
	require.True(t, ok)

	require.NoError(t, tx.Add("k", value.NewString("v"), 1))

	got := env.store.SelectKey("k", 1, ^uint64(0))
	require.Empty(t, got, "uncommitted transaction writes must stay invisible to the store")

	require.NoError(t, env.Commit(ctx, token))
	got = env.store.SelectKey("k", 1, ^uint64(0))
	_, ok = got[value.NewString("v")]
	require.True(t, ok)

	_, ok = env.Transaction(token)
	require.False(t, ok, "committed transactions are forgotten")
}

func TestStageAbortDiscardsWrites(t *testing.T) {
	env := mustOpenEnvironment(t)

	token, err := env.Stage(0)
	require.NoError(t, err)
	tx, _ := env.Transaction(token)
	require.NoError(t, tx.Add("k", value.NewString("v"), 1))

	require.NoError(t, env.Abort(token))
	got := env.store.SelectKey("k", 1, ^uint64(0))
	require.Empty(t, got)
}
