package sources

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/BenjaminSchiborr/cloud-init/internal/httpclient"
	"github.com/BenjaminSchiborr/cloud-init/internal/otel"
)

// metaDataPrefix is stripped from resource keys to form metadata keys
const metaDataPrefix = "meta-data/"

// urlResources are fetched in this order, one request each
var urlResources = []string{
	metaDataPrefix + FieldLocalHostname,
	metaDataPrefix + FieldInstanceID,
	metaDataPrefix + FieldPublicKeys,
	FieldUserData,
}

// URLReader reads seeds from a versioned HTTP endpoint, one GET per field
type URLReader struct {
	client httpclient.Client
	cfg    *readerConfig
}

var _ Reader = (*URLReader)(nil)

// NewURLReader creates a new URL reader on top of the given transport
func NewURLReader(client httpclient.Client, opts ...Option) *URLReader {
	return &URLReader{
		client: client,
		cfg:    newReaderConfig(opts),
	}
}

// Validate validates the URL source
func (*URLReader) Validate(src Source) error {
	if src.Type() != SourceTypeURL {
		return fmt.Errorf("invalid source type: expected %s, got %s", SourceTypeURL, src.Type())
	}

	if src.Base() == "" {
		return fmt.Errorf("seed url cannot be empty")
	}

	u, err := url.Parse(src.Base())
	if err != nil {
		return fmt.Errorf("invalid seed url %q: %w", src.Base(), err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported seed url scheme %q", u.Scheme)
	}

	if src.Version() == "" {
		return fmt.Errorf("seed version cannot be empty")
	}

	return nil
}

// Read reads the seed served under src's base URL and version
func (r *URLReader) Read(ctx context.Context, src Source) Outcome {
	return r.ReadURL(ctx, src.Base(), src.Version())
}

// ReadURL fetches each seed resource from {base}/{version}/{resource}.
// Not found responses and errors that outlast the transport's retries leave
// that field absent; they are never returned to the caller. When the first
// request gets no response at all the source is Absent without trying the
// remaining resources.
func (r *URLReader) ReadURL(ctx context.Context, base, version string) Outcome {
	base = strings.TrimSuffix(base, "/")
	logger := log.FromContext(ctx).WithValues("url", base, "version", version)

	ctx, span := otel.StartSpan(ctx, r.cfg.tracer, "sources.ReadURL",
		trace.WithAttributes(otel.AttrSourceType.String(SourceTypeURL)))
	defer span.End()

	fields := FieldStore{}
	for i, resource := range urlResources {
		resourceURL := fmt.Sprintf("%s/%s/%s", base, version, resource)

		var headers map[string]string
		if r.cfg.headers != nil {
			headers = r.cfg.headers(resourceURL)
		}

		body, err := r.client.Get(ctx, httpclient.Request{
			URL:     resourceURL,
			Headers: headers,
			Policy:  r.cfg.policy,
		})

		name := strings.TrimPrefix(resource, metaDataPrefix)
		if err != nil {
			if httpclient.IsNotFound(err) {
				logger.V(1).Info("Seed resource not found", "resource", resource)
			} else {
				logger.Info("Failed to fetch seed resource, treating as absent",
					"resource", resource, "error", err.Error())
			}
			r.cfg.metrics.RecordFieldFetch(ctx, SourceTypeURL, name, false)

			// No response at all on the first resource; the rest share its host.
			if i == 0 && httpclient.IsUnreachable(err) {
				logger.Info("Seed url unreachable, skipping remaining resources")
				span.SetAttributes(otel.AttrOutcome.String(KindAbsent.String()))
				return Absent()
			}
			continue
		}

		fields[name] = body
		r.cfg.metrics.RecordFieldFetch(ctx, SourceTypeURL, name, true)
	}

	outcome := Classify(fields)
	span.SetAttributes(otel.AttrOutcome.String(outcome.Kind.String()))
	logger.V(1).Info("Read seed url", "fields", len(fields), "outcome", outcome.Kind.String())

	return outcome
}
