package sources

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewURLSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		base        string
		version     string
		wantBase    string
		wantVersion string
		wantString  string
	}{
		{
			name:        "explicit version",
			base:        "http://maas.example.com/MAAS/metadata",
			version:     "latest",
			wantBase:    "http://maas.example.com/MAAS/metadata",
			wantVersion: "latest",
			wantString:  "http://maas.example.com/MAAS/metadata/latest",
		},
		{
			name:        "default version",
			base:        "http://maas.example.com/MAAS/metadata",
			wantBase:    "http://maas.example.com/MAAS/metadata",
			wantVersion: DefaultVersion,
			wantString:  "http://maas.example.com/MAAS/metadata/2012-03-01",
		},
		{
			name:        "trailing slash is dropped",
			base:        "http://10.0.0.1/seed/",
			version:     "2012-03-01",
			wantBase:    "http://10.0.0.1/seed",
			wantVersion: "2012-03-01",
			wantString:  "http://10.0.0.1/seed/2012-03-01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			src := NewURLSource(tt.base, tt.version)
			assert.Equal(t, SourceTypeURL, src.Type())
			assert.Equal(t, tt.wantBase, src.Base())
			assert.Equal(t, tt.wantVersion, src.Version())
			assert.Equal(t, tt.wantString, src.String())
			assert.Empty(t, src.Path())
		})
	}
}

func TestNewDirectorySource(t *testing.T) {
	t.Parallel()

	src := NewDirectorySource("/var/lib/cloud/seed/maas")
	assert.Equal(t, SourceTypeDirectory, src.Type())
	assert.Equal(t, "/var/lib/cloud/seed/maas", src.Path())
	assert.Equal(t, "/var/lib/cloud/seed/maas", src.String())
	assert.Empty(t, src.Base())

	assert.Equal(t, "<invalid source>", Source{}.String())
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "absent", KindAbsent.String())
	assert.Equal(t, "malformed", KindMalformed.String())
	assert.Equal(t, "resolved", KindResolved.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}

func TestOutcome_Err(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Resolved(nil, Metadata{}).Err())
	assert.ErrorIs(t, Absent().Err(), ErrSeedAbsent)

	err := Malformed([]string{FieldInstanceID}).Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSeedMalformed)
	assert.NotErrorIs(t, err, ErrSeedAbsent)

	var malformed *MalformedError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, []string{FieldInstanceID}, malformed.Missing)
}

func TestResolved_NilUserDataIsEmpty(t *testing.T) {
	t.Parallel()

	outcome := Resolved(nil, Metadata{FieldInstanceID: "i-1"})
	assert.NotNil(t, outcome.UserData)
	assert.Empty(t, outcome.UserData)
}

func TestMalformedError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *MalformedError
		want string
	}{
		{
			name: "without source",
			err:  &MalformedError{Missing: []string{FieldInstanceID, FieldLocalHostname}},
			want: "missing files instance-id, local-hostname",
		},
		{
			name: "with source",
			err:  &MalformedError{Source: "/seed", Missing: []string{FieldLocalHostname}},
			want: "/seed: missing files local-hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())

			wrapped := fmt.Errorf("resolve: %w", tt.err)
			assert.True(t, errors.Is(wrapped, ErrSeedMalformed))
		})
	}
}
