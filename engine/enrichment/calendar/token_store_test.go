package calendar

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestTokenStoreLoadMissingFileReturnsNil(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "token.json"))
	tok, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestTokenStoreSaveThenLoadRoundTrips(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "token.json"))
	want := &oauth2.Token{AccessToken: "abc", RefreshToken: "def", Expiry: time.Now().Add(time.Hour).Truncate(time.Second)}

	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.Equal(t, want.RefreshToken, got.RefreshToken)
}

func TestTokenStoreLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	store := NewTokenStore(path)
	_, err := store.Load()
	require.Error(t, err)
}
