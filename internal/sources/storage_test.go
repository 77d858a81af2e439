package sources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectorySeedStore_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files map[string]string
	}{
		{name: "complete seed", files: validSeed},
		{name: "without public-keys", files: without(validSeed, FieldPublicKeys)},
		{name: "empty user-data", files: with(validSeed, FieldUserData, "")},
		{name: "multi-line public-keys", files: with(validSeed, FieldPublicKeys, "ssh-rsa AAAA one\nssh-ed25519 BBBB two\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := writeSeedDir(t, tt.files)
			want := NewDirectoryReader().ReadDir(t.Context(), src)
			require.Equal(t, KindResolved, want.Kind)

			target := filepath.Join(t.TempDir(), "nested", "seed")
			store := NewDirectorySeedStore(target)
			require.NoError(t, store.Store(t.Context(), &Result{
				Source:   NewDirectorySource(src),
				UserData: want.UserData,
				Metadata: want.Metadata,
			}))

			got := NewDirectoryReader().ReadDir(t.Context(), target)
			assert.Equal(t, want, got)
		})
	}
}

func TestDirectorySeedStore_StoreReplacesStaleFields(t *testing.T) {
	t.Parallel()

	target := writeSeedDir(t, validSeed)
	store := NewDirectorySeedStore(target)

	require.NoError(t, store.Store(t.Context(), &Result{
		Source:   NewURLSource("http://seed.example", ""),
		UserData: []byte("new-userdata"),
		Metadata: Metadata{FieldInstanceID: "i-new", FieldLocalHostname: "new-host"},
	}))

	_, err := os.Stat(filepath.Join(target, FieldPublicKeys))
	assert.True(t, os.IsNotExist(err), "stale public-keys must be removed")

	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".tmp", filepath.Ext(e.Name()), "temporary file left behind: %s", e.Name())
	}

	out := NewDirectoryReader().ReadDir(t.Context(), target)
	require.Equal(t, KindResolved, out.Kind)
	assert.Equal(t, "i-new", out.Metadata[FieldInstanceID])
	assert.Equal(t, []byte("new-userdata"), out.UserData)
}

func TestDirectorySeedStore_StoreNil(t *testing.T) {
	t.Parallel()

	err := NewDirectorySeedStore(t.TempDir()).Store(t.Context(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed to store")
}

func TestDirectorySeedStore_Delete(t *testing.T) {
	t.Parallel()

	target := writeSeedDir(t, with(validSeed, "vendor-data", "keep"))
	store := NewDirectorySeedStore(target)

	require.NoError(t, store.Delete(t.Context()))
	assert.Equal(t, KindAbsent, NewDirectoryReader().ReadDir(t.Context(), target).Kind)

	_, err := os.Stat(filepath.Join(target, "vendor-data"))
	require.NoError(t, err, "unrelated files are kept")

	// deleting again is a no-op
	require.NoError(t, store.Delete(t.Context()))
}
