package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/KiroProxyAPI/internal/credential"
)

func writeFile(t *testing.T, content string) *FileStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return NewFileStore(path)
}

func TestFileStore_LoadSingleObject(t *testing.T) {
	store := writeFile(t, `{"refreshToken":"rt-1","authMethod":"social"}`)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, "rt-1", records[0].RefreshToken)
}

func TestFileStore_LoadArraySortedByPriority(t *testing.T) {
	store := writeFile(t, `[
		{"refreshToken":"low","priority":5},
		{"refreshToken":"neg","priority":-1},
		{"refreshToken":"zero"}
	]`)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	// priority -1 sorts before 0, which sorts before 5.
	assert.Equal(t, "neg", records[0].RefreshToken)
	assert.Equal(t, "zero", records[1].RefreshToken)
	assert.Equal(t, "low", records[2].RefreshToken)
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nope.json"))

	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	fp, err := store.Fingerprint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "absent", fp)
}

func TestFileStore_InvalidRecordRejected(t *testing.T) {
	store := writeFile(t, `[{"accessToken":"at-only"}]`)

	_, err := store.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refreshToken")
}

func TestFileStore_UpdateWritesArrayShape(t *testing.T) {
	store := writeFile(t, `{"refreshToken":"rt-1"}`)

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.Update(context.Background(), 1, credential.Patch{
		AccessToken: "at-new",
		ExpiresAt:   expires,
		ProfileArn:  "arn:new",
	}))

	raw, err := os.ReadFile(store.path)
	require.NoError(t, err)
	// Writes always emit the array shape, even for legacy single-object input.
	var arr []map[string]any
	require.NoError(t, json.Unmarshal(raw, &arr))
	require.Len(t, arr, 1)
	assert.Equal(t, "at-new", arr[0]["accessToken"])
	assert.Equal(t, "arn:new", arr[0]["profileArn"])

	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-new", records[0].AccessToken)
	assert.True(t, records[0].ExpiresAt.Equal(expires))
}

func TestFileStore_UpdateRotatedRefreshToken(t *testing.T) {
	store := writeFile(t, `[{"refreshToken":"old-rt"},{"refreshToken":"other"}]`)

	require.NoError(t, store.Update(context.Background(), 1, credential.Patch{
		AccessToken:  "at",
		ExpiresAt:    time.Now().Add(time.Hour),
		RefreshToken: "new-rt",
	}))

	records, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new-rt", records[0].RefreshToken)
	assert.Equal(t, "other", records[1].RefreshToken)
}

func TestFileStore_UpdateUnknownID(t *testing.T) {
	store := writeFile(t, `[{"refreshToken":"rt"}]`)

	err := store.Update(context.Background(), 42, credential.Patch{AccessToken: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestFileStore_FingerprintChangesOnWrite(t *testing.T) {
	store := writeFile(t, `[{"refreshToken":"rt"}]`)
	ctx := context.Background()

	before, err := store.Fingerprint(ctx)
	require.NoError(t, err)

	// Sleep so low-resolution mtimes still differ.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, store.SetPriority(ctx, 1, 7))

	after, err := store.Fingerprint(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, records[0].Priority)
}

func TestFileStore_ExplicitIDsPreserved(t *testing.T) {
	store := writeFile(t, `[{"id":10,"refreshToken":"a"},{"id":3,"refreshToken":"b"}]`)

	records, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(3), records[0].ID)
	assert.Equal(t, int64(10), records[1].ID)
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"kiro_credentials"`, quoteIdentifier("kiro_credentials"))
	assert.Equal(t, `"weird""name"`, quoteIdentifier(`weird"name`))
}
