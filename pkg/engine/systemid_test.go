package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconcileSystemIDGeneratesAndMatches(t *testing.T) {
	dir := t.TempDir()
	bufDir := filepath.Join(dir, "buf")
	dbDir := filepath.Join(dir, "db")

	id, err := reconcileSystemID(bufDir, dbDir)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := reconcileSystemID(bufDir, dbDir)
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestReconcileSystemIDRejectsMismatch(t *testing.T) {
	dir := t.TempDir()
	bufDir := filepath.Join(dir, "buf")
	dbDir := filepath.Join(dir, "db")

	require.NoError(t, writeSystemID(bufDir, "aaa"))
	require.NoError(t, writeSystemID(dbDir, "bbb"))

	_, err := reconcileSystemID(bufDir, dbDir)
	require.Error(t, err)
}

func TestReconcileSystemIDRejectsPartialState(t *testing.T) {
	dir := t.TempDir()
	bufDir := filepath.Join(dir, "buf")
	dbDir := filepath.Join(dir, "db")

	require.NoError(t, writeSystemID(bufDir, "aaa"))

	_, err := reconcileSystemID(bufDir, dbDir)
	require.Error(t, err)
}
