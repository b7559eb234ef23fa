package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInventoryAddContainsPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory")

	inv, err := OpenInventory(path)
	require.NoError(t, err)
	require.False(t, inv.Contains(100))

	require.NoError(t, inv.Add(100))
	require.True(t, inv.Contains(100))
	require.False(t, inv.Contains(101))

	reopened, err := OpenInventory(path)
	require.NoError(t, err)
	require.True(t, reopened.Contains(100))
	require.Equal(t, 1, reopened.Count())
}

func TestInventoryAddIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	inv, err := OpenInventory(filepath.Join(dir, "inventory"))
	require.NoError(t, err)

	require.NoError(t, inv.Add(5))
	require.NoError(t, inv.Add(5))
	require.Equal(t, 1, inv.Count())
}

func TestInventoryAcrossMultipleWords(t *testing.T) {
	dir := t.TempDir()
	inv, err := OpenInventory(filepath.Join(dir, "inventory"))
	require.NoError(t, err)

	require.NoError(t, inv.Add(0))
	require.NoError(t, inv.Add(63))
	require.NoError(t, inv.Add(64))
	require.NoError(t, inv.Add(200))

	require.True(t, inv.Contains(0))
	require.True(t, inv.Contains(63))
	require.True(t, inv.Contains(64))
	require.True(t, inv.Contains(200))
	require.Equal(t, 4, inv.Count())
}
