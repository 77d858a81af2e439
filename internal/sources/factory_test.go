package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenjaminSchiborr/cloud-init/internal/httpclient"
)

func TestNewReaderFactory_CreateReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		client        httpclient.Client
		sourceType    string
		expectedType  any
		errorContains string
	}{
		{
			name:         "directory source type",
			sourceType:   SourceTypeDirectory,
			expectedType: &DirectoryReader{},
		},
		{
			name:         "url source type",
			client:       httpclient.NewDefaultClient(0),
			sourceType:   SourceTypeURL,
			expectedType: &URLReader{},
		},
		{
			name:          "url source type without client",
			sourceType:    SourceTypeURL,
			errorContains: "no http client configured for source type url",
		},
		{
			name:          "unsupported source type",
			sourceType:    "configdrive",
			errorContains: "unsupported source type: configdrive",
		},
		{
			name:          "empty source type",
			sourceType:    "",
			errorContains: "unsupported source type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reader, err := NewReaderFactory(tt.client).CreateReader(tt.sourceType)
			if tt.errorContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorContains)
				assert.Nil(t, reader)
				return
			}

			require.NoError(t, err)
			assert.IsType(t, tt.expectedType, reader)
		})
	}
}

func TestNewReaderFactory_AppliesOptions(t *testing.T) {
	t.Parallel()

	policy := httpclient.Policy{Retries: 4}
	provider := StaticHeaders(map[string]string{"X-A": "1"})
	factory := NewReaderFactory(httpclient.NewDefaultClient(0), WithRetryPolicy(policy), WithHeaderProvider(provider))

	reader, err := factory.CreateReader(SourceTypeURL)
	require.NoError(t, err)

	urlReader, ok := reader.(*URLReader)
	require.True(t, ok)
	assert.Equal(t, 4, urlReader.cfg.policy.Retries)
	require.NotNil(t, urlReader.cfg.headers)
	assert.Equal(t, map[string]string{"X-A": "1"}, urlReader.cfg.headers("http://maas"))
}
