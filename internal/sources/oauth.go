package sources

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BenjaminSchiborr/cloud-init/internal/httpclient"
)

// OAuthCredentials are the MAAS OAuth 1.0 token parts
type OAuthCredentials struct {
	ConsumerKey    string
	ConsumerSecret string
	TokenKey       string
	TokenSecret    string
}

// Empty reports whether no credentials were configured
func (c OAuthCredentials) Empty() bool {
	return c.ConsumerKey == "" && c.TokenKey == "" && c.TokenSecret == ""
}

// OAuthSigner signs seed requests with OAuth 1.0 PLAINTEXT, the scheme MAAS
// uses for its metadata service. It also corrects for clock skew when the
// server rejects a request and reports its own time.
type OAuthSigner struct {
	creds OAuthCredentials

	now   func() time.Time
	nonce func() string

	mu   sync.Mutex
	skew time.Duration
}

// NewOAuthSigner creates a signer for the given credentials
func NewOAuthSigner(creds OAuthCredentials) *OAuthSigner {
	return &OAuthSigner{
		creds: creds,
		now:   time.Now,
		nonce: uuid.NewString,
	}
}

// Provider returns a HeaderProvider producing an Authorization header per URL
func (s *OAuthSigner) Provider() HeaderProvider {
	return func(string) map[string]string {
		return map[string]string{"Authorization": s.authorization()}
	}
}

// Skew returns the currently applied clock correction
func (s *OAuthSigner) Skew() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skew
}

// OnFailure is a transport failure callback. On 401 and 403 responses that
// carry a Date header it records the difference between server and local
// time so the next signature uses a corrected timestamp. It never stops
// retries.
func (s *OAuthSigner) OnFailure(_ string, err error) bool {
	code := httpclient.StatusCode(err)
	if code != http.StatusUnauthorized && code != http.StatusForbidden {
		return true
	}

	var httpErr *httpclient.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Header == nil {
		return true
	}

	serverTime, parseErr := http.ParseTime(httpErr.Header.Get("Date"))
	if parseErr != nil {
		return true
	}

	s.mu.Lock()
	s.skew = serverTime.Sub(s.now())
	s.mu.Unlock()

	return true
}

func (s *OAuthSigner) authorization() string {
	timestamp := s.now().Add(s.Skew()).Unix()

	params := []struct{ key, value string }{
		{"oauth_version", "1.0"},
		{"oauth_signature_method", "PLAINTEXT"},
		{"oauth_consumer_key", s.creds.ConsumerKey},
		{"oauth_token", s.creds.TokenKey},
		{"oauth_signature", percentEncode(s.creds.ConsumerSecret) + "&" + percentEncode(s.creds.TokenSecret)},
		{"oauth_nonce", s.nonce()},
		{"oauth_timestamp", strconv.FormatInt(timestamp, 10)},
	}

	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, p.key, percentEncode(p.value)))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// percentEncode encodes s per RFC 5849 section 3.6: everything except
// unreserved characters is escaped with uppercase hex.
func percentEncode(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}
