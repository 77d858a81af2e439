package sources

import (
	"fmt"

	"github.com/BenjaminSchiborr/cloud-init/internal/httpclient"
)

// defaultReaderFactory is the default implementation of ReaderFactory
type defaultReaderFactory struct {
	client httpclient.Client
	opts   []Option
}

var _ ReaderFactory = (*defaultReaderFactory)(nil)

// NewReaderFactory creates a new reader factory. URL readers use client as
// their transport; opts are applied to every reader created.
func NewReaderFactory(client httpclient.Client, opts ...Option) ReaderFactory {
	return &defaultReaderFactory{
		client: client,
		opts:   opts,
	}
}

// CreateReader creates a reader for the given source type
func (f *defaultReaderFactory) CreateReader(sourceType string) (Reader, error) {
	switch sourceType {
	case SourceTypeDirectory:
		return NewDirectoryReader(f.opts...), nil
	case SourceTypeURL:
		if f.client == nil {
			return nil, fmt.Errorf("no http client configured for source type %s", sourceType)
		}
		return NewURLReader(f.client, f.opts...), nil
	default:
		return nil, fmt.Errorf("unsupported source type: %s", sourceType)
	}
}
