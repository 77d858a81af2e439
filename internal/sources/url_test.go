package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/BenjaminSchiborr/cloud-init/internal/httpclient"
	"github.com/BenjaminSchiborr/cloud-init/internal/httpclient/mocks"
)

const testBase = "http://169.254.169.254/MAAS/metadata"

var testPolicy = httpclient.Policy{
	Timeout:    5 * time.Second,
	Retries:    3,
	SecBetween: time.Second,
	TLS:        &httpclient.TLSConfig{InsecureSkipVerify: true},
}

func TestURLReader_Validate(t *testing.T) {
	t.Parallel()

	reader := NewURLReader(nil)

	tests := []struct {
		name          string
		src           Source
		errorContains string
	}{
		{name: "http source", src: NewURLSource("http://maas/MAAS/metadata", "")},
		{name: "https source", src: NewURLSource("https://maas/MAAS/metadata", "latest")},
		{name: "empty base", src: NewURLSource("", ""), errorContains: "seed url cannot be empty"},
		{name: "unsupported scheme", src: NewURLSource("ftp://maas/seed", ""), errorContains: `unsupported seed url scheme "ftp"`},
		{name: "unparseable url", src: NewURLSource("http://[::1", ""), errorContains: "invalid seed url"},
		{
			name:          "directory source",
			src:           NewDirectorySource("/seed"),
			errorContains: "invalid source type: expected url, got directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := reader.Validate(tt.src)
			if tt.errorContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)
		})
	}
}

// expectFetches registers ordered expectations for the seed resources in
// results; resources left out must not be requested. Pass an error for
// absent fields.
func expectFetches(mockClient *mocks.MockClient, base, version string, headers func(string) map[string]string,
	results map[string]fetchResult) {
	calls := make([]any, 0, len(urlResources))
	for _, resource := range urlResources {
		res, ok := results[resource]
		if !ok {
			continue
		}
		url := base + "/" + version + "/" + resource
		var h map[string]string
		if headers != nil {
			h = headers(url)
		}
		calls = append(calls, mockClient.EXPECT().
			Get(gomock.Any(), httpclient.Request{URL: url, Headers: h, Policy: testPolicy}).
			Return(res.body, res.err))
	}
	gomock.InOrder(calls...)
}

type fetchResult struct {
	body []byte
	err  error
}

func found(body string) fetchResult { return fetchResult{body: []byte(body)} }

func refused(rawURL string) error {
	return fmt.Errorf("failed to execute request: %w",
		&url.Error{Op: "Get", URL: rawURL, Err: errors.New("dial tcp: connection refused")})
}

func notFound(url string) fetchResult {
	return fetchResult{err: httpclient.NewHTTPError(http.StatusNotFound, url, "Not Found")}
}

func TestURLReader_ReadURL(t *testing.T) {
	t.Parallel()

	const version = "2012-03-01"
	urlFor := func(resource string) string { return testBase + "/" + version + "/" + resource }

	tests := []struct {
		name         string
		results      map[string]fetchResult
		wantKind     Kind
		wantMissing  []string
		wantUserData []byte
		wantMetadata Metadata
	}{
		{
			name: "all resources served",
			results: map[string]fetchResult{
				"meta-data/local-hostname": found("test-hostname"),
				"meta-data/instance-id":    found("i-instanceid"),
				"meta-data/public-keys":    found("test-hostname"),
				"user-data":                found("foodata"),
			},
			wantKind:     KindResolved,
			wantUserData: []byte("foodata"),
			wantMetadata: Metadata{
				FieldInstanceID:    "i-instanceid",
				FieldLocalHostname: "test-hostname",
				FieldPublicKeys:    "test-hostname",
			},
		},
		{
			name: "missing user-data resolves with empty payload",
			results: map[string]fetchResult{
				"meta-data/local-hostname": found("test-hostname"),
				"meta-data/instance-id":    found("i-instanceid"),
				"meta-data/public-keys":    notFound(urlFor("meta-data/public-keys")),
				"user-data":                notFound(urlFor("user-data")),
			},
			wantKind:     KindResolved,
			wantUserData: []byte{},
			wantMetadata: Metadata{
				FieldInstanceID:    "i-instanceid",
				FieldLocalHostname: "test-hostname",
			},
		},
		{
			name: "missing instance-id is malformed",
			results: map[string]fetchResult{
				"meta-data/local-hostname": found("test-hostname"),
				"meta-data/instance-id":    notFound(urlFor("meta-data/instance-id")),
				"meta-data/public-keys":    found("ssh-rsa AAAA"),
				"user-data":                found("foodata"),
			},
			wantKind:    KindMalformed,
			wantMissing: []string{FieldInstanceID},
		},
		{
			name: "persistent server error folds into absent field",
			results: map[string]fetchResult{
				"meta-data/local-hostname": {err: httpclient.NewHTTPError(http.StatusServiceUnavailable, urlFor("meta-data/local-hostname"), "busy")},
				"meta-data/instance-id":    found("i-instanceid"),
				"meta-data/public-keys":    notFound(urlFor("meta-data/public-keys")),
				"user-data":                found("foodata"),
			},
			wantKind:    KindMalformed,
			wantMissing: []string{FieldLocalHostname},
		},
		{
			name: "unreachable endpoint is absent after the first request",
			results: map[string]fetchResult{
				"meta-data/local-hostname": {err: refused(urlFor("meta-data/local-hostname"))},
			},
			wantKind: KindAbsent,
		},
		{
			name: "other transport errors keep fetching",
			results: map[string]fetchResult{
				"meta-data/local-hostname": {err: errors.New("response size exceeds maximum allowed size")},
				"meta-data/instance-id":    {err: errors.New("response size exceeds maximum allowed size")},
				"meta-data/public-keys":    {err: errors.New("response size exceeds maximum allowed size")},
				"user-data":                {err: errors.New("response size exceeds maximum allowed size")},
			},
			wantKind: KindAbsent,
		},
		{
			name: "unreachable after the first request only loses that field",
			results: map[string]fetchResult{
				"meta-data/local-hostname": found("test-hostname"),
				"meta-data/instance-id":    {err: refused(urlFor("meta-data/instance-id"))},
				"meta-data/public-keys":    found("ssh-rsa AAAA"),
				"user-data":                found("foodata"),
			},
			wantKind:    KindMalformed,
			wantMissing: []string{FieldInstanceID},
		},
		{
			name: "everything not found is absent",
			results: map[string]fetchResult{
				"meta-data/local-hostname": notFound(urlFor("meta-data/local-hostname")),
				"meta-data/instance-id":    notFound(urlFor("meta-data/instance-id")),
				"meta-data/public-keys":    notFound(urlFor("meta-data/public-keys")),
				"user-data":                notFound(urlFor("user-data")),
			},
			wantKind: KindAbsent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			mockClient := mocks.NewMockClient(ctrl)
			expectFetches(mockClient, testBase, version, nil, tt.results)

			reader := NewURLReader(mockClient, WithRetryPolicy(testPolicy))
			outcome := reader.ReadURL(context.Background(), testBase, version)

			assert.Equal(t, tt.wantKind, outcome.Kind)
			assert.Equal(t, tt.wantMissing, outcome.Missing)
			if tt.wantKind == KindResolved {
				assert.Equal(t, tt.wantUserData, outcome.UserData)
				assert.Equal(t, tt.wantMetadata, outcome.Metadata)
			}
		})
	}
}

func TestURLReader_HeaderProviderCalledOncePerURL(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []string
	provider := func(url string) map[string]string {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, url)
		return map[string]string{"X-Seed-URL": url}
	}

	ctrl := gomock.NewController(t)
	mockClient := mocks.NewMockClient(ctrl)

	// Recompute expectations without going through provider so call counts stay exact
	echo := func(url string) map[string]string { return map[string]string{"X-Seed-URL": url} }
	expectFetches(mockClient, testBase, "latest", echo, map[string]fetchResult{
		"meta-data/local-hostname": found("test-hostname"),
		"meta-data/instance-id":    found("i-instanceid"),
		"meta-data/public-keys":    found("test-hostname"),
		"user-data":                found("foodata"),
	})

	reader := NewURLReader(mockClient, WithHeaderProvider(provider), WithRetryPolicy(testPolicy))
	outcome := reader.ReadURL(context.Background(), testBase+"/", "latest")
	require.Equal(t, KindResolved, outcome.Kind)

	assert.Equal(t, []string{
		testBase + "/latest/meta-data/local-hostname",
		testBase + "/latest/meta-data/instance-id",
		testBase + "/latest/meta-data/public-keys",
		testBase + "/latest/user-data",
	}, seen)
}

func TestURLReader_NilHeadersForwardedAsNone(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockClient := mocks.NewMockClient(ctrl)
	mockClient.EXPECT().
		Get(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req httpclient.Request) ([]byte, error) {
			assert.Nil(t, req.Headers)
			return []byte("x"), nil
		}).
		Times(len(urlResources))

	reader := NewURLReader(mockClient, WithHeaderProvider(func(string) map[string]string { return nil }))
	outcome := reader.Read(context.Background(), NewURLSource(testBase, ""))
	assert.Equal(t, KindResolved, outcome.Kind)
}

func TestURLReader_ForwardsFailureCallback(t *testing.T) {
	t.Parallel()

	var called []string
	policy := testPolicy
	policy.OnFailure = func(url string, _ error) bool {
		called = append(called, url)
		return true
	}

	ctrl := gomock.NewController(t)
	mockClient := mocks.NewMockClient(ctrl)
	mockClient.EXPECT().
		Get(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req httpclient.Request) ([]byte, error) {
			assert.Equal(t, testPolicy.Timeout, req.Policy.Timeout)
			assert.Equal(t, testPolicy.Retries, req.Policy.Retries)
			require.NotNil(t, req.Policy.OnFailure)
			req.Policy.OnFailure(req.URL, errors.New("boom"))
			return nil, errors.New("boom")
		}).
		Times(len(urlResources))

	reader := NewURLReader(mockClient, WithRetryPolicy(policy))
	outcome := reader.ReadURL(context.Background(), testBase, DefaultVersion)
	assert.Equal(t, KindAbsent, outcome.Kind)
	assert.Len(t, called, len(urlResources))
}

// newSeedServer serves a seed the way a MAAS metadata endpoint does and
// records the paths and Authorization headers it saw.
func newSeedServer(t *testing.T, version string, seed map[string]string) (*httptest.Server, func() []string) {
	t.Helper()

	var mu sync.Mutex
	var requests []string

	r := chi.NewRouter()
	r.Get("/MAAS/metadata/"+version+"/*", func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		requests = append(requests, req.URL.Path+" "+req.Header.Get("Authorization"))
		mu.Unlock()

		body, ok := seed[chi.URLParam(req, "*")]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write([]byte(body))
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return server, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), requests...)
	}
}

func TestURLReader_EndToEnd(t *testing.T) {
	t.Parallel()

	server, requests := newSeedServer(t, "2012-03-01", map[string]string{
		"meta-data/instance-id":    "i-instanceid",
		"meta-data/local-hostname": "test-hostname",
		"meta-data/public-keys":    "test-hostname",
		"user-data":                "foodata",
	})

	signer := NewOAuthSigner(OAuthCredentials{
		ConsumerKey: "ck", TokenKey: "tk", TokenSecret: "ts",
	})
	reader := NewURLReader(httpclient.NewDefaultClient(5*time.Second),
		WithHeaderProvider(signer.Provider()),
		WithRetryPolicy(httpclient.Policy{Timeout: 2 * time.Second}),
	)

	outcome := reader.Read(context.Background(), NewURLSource(server.URL+"/MAAS/metadata", ""))
	require.Equal(t, KindResolved, outcome.Kind)
	assert.Equal(t, []byte("foodata"), outcome.UserData)
	assert.Equal(t, Metadata{
		FieldInstanceID:    "i-instanceid",
		FieldLocalHostname: "test-hostname",
		FieldPublicKeys:    "test-hostname",
	}, outcome.Metadata)

	seen := requests()
	require.Len(t, seen, 4)
	wantPaths := []string{
		"/MAAS/metadata/2012-03-01/meta-data/local-hostname",
		"/MAAS/metadata/2012-03-01/meta-data/instance-id",
		"/MAAS/metadata/2012-03-01/meta-data/public-keys",
		"/MAAS/metadata/2012-03-01/user-data",
	}
	for i, line := range seen {
		path, auth, _ := strings.Cut(line, " ")
		assert.Equal(t, wantPaths[i], path)
		assert.True(t, strings.HasPrefix(auth, "OAuth "), "request %d not signed: %q", i, auth)
	}
}

func TestURLReader_EndToEnd_MissingRequiredField(t *testing.T) {
	t.Parallel()

	server, _ := newSeedServer(t, "latest", map[string]string{
		"meta-data/instance-id": "i-instanceid",
		"user-data":             "foodata",
	})

	reader := NewURLReader(httpclient.NewDefaultClient(5*time.Second))
	outcome := reader.ReadURL(context.Background(), server.URL+"/MAAS/metadata", "latest")
	assert.Equal(t, KindMalformed, outcome.Kind)
	assert.Equal(t, []string{FieldLocalHostname}, outcome.Missing)
}

// newSkewCheckingServer serves seed under "latest" only to requests whose
// oauth_timestamp is within a minute of the server clock. Others get a 401
// with the server time in the Date header, as MAAS does.
func newSkewCheckingServer(t *testing.T, seed map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	stamp := regexp.MustCompile(`oauth_timestamp="(\d+)"`)
	var rejected atomic.Int32

	r := chi.NewRouter()
	r.Get("/MAAS/metadata/latest/*", func(w http.ResponseWriter, req *http.Request) {
		now := time.Now()
		m := stamp.FindStringSubmatch(req.Header.Get("Authorization"))
		var ts int64
		if m != nil {
			ts, _ = strconv.ParseInt(m[1], 10, 64)
		}
		if d := now.Sub(time.Unix(ts, 0)); m == nil || d > time.Minute || d < -time.Minute {
			rejected.Add(1)
			w.Header().Set("Date", now.UTC().Format(http.TimeFormat))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, ok := seed[chi.URLParam(req, "*")]
		if !ok {
			http.NotFound(w, req)
			return
		}
		_, _ = w.Write([]byte(body))
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, &rejected
}

func TestURLReader_EndToEnd_RecoversFromClockSkew(t *testing.T) {
	t.Parallel()

	server, rejected := newSkewCheckingServer(t, map[string]string{
		"meta-data/instance-id":    "i-instanceid",
		"meta-data/local-hostname": "test-hostname",
		"meta-data/public-keys":    "ssh-rsa AAAA",
		"user-data":                "foodata",
	})

	signer := NewOAuthSigner(OAuthCredentials{ConsumerKey: "ck", TokenKey: "tk", TokenSecret: "ts"})
	signer.now = func() time.Time { return time.Now().Add(-time.Hour) }

	reader := NewURLReader(httpclient.NewDefaultClient(5*time.Second),
		WithHeaderProvider(signer.Provider()),
		WithRetryPolicy(httpclient.Policy{
			Timeout:    2 * time.Second,
			Retries:    3,
			SecBetween: time.Millisecond,
			OnFailure:  signer.OnFailure,
			Resign:     signer.Provider(),
		}),
	)

	outcome := reader.ReadURL(context.Background(), server.URL+"/MAAS/metadata", "latest")
	require.Equal(t, KindResolved, outcome.Kind, "missing: %v", outcome.Missing)
	assert.Equal(t, []byte("foodata"), outcome.UserData)
	assert.Equal(t, "i-instanceid", outcome.Metadata[FieldInstanceID])

	// Only the first attempt of the first resource carries the skewed clock.
	assert.Equal(t, int32(1), rejected.Load())
	assert.InDelta(t, time.Hour.Seconds(), signer.Skew().Seconds(), 5)
}

func TestURLReader_EndToEnd_UnreachableStopsEarly(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	base := server.URL + "/MAAS/metadata"
	server.Close()

	var failures atomic.Int32
	reader := NewURLReader(httpclient.NewDefaultClient(5*time.Second),
		WithRetryPolicy(httpclient.Policy{
			Timeout:    time.Second,
			Retries:    2,
			SecBetween: time.Millisecond,
			OnFailure: func(string, error) bool {
				failures.Add(1)
				return true
			},
		}),
	)

	outcome := reader.ReadURL(context.Background(), base, "latest")
	assert.Equal(t, KindAbsent, outcome.Kind)
	// One resource, three attempts.
	assert.Equal(t, int32(3), failures.Load())
}
