package sources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/trace"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/BenjaminSchiborr/cloud-init/internal/otel"
)

// DirectoryReader reads seeds from a flat directory with one file per field
type DirectoryReader struct {
	cfg *readerConfig
}

var _ Reader = (*DirectoryReader)(nil)

// NewDirectoryReader creates a new directory reader
func NewDirectoryReader(opts ...Option) *DirectoryReader {
	return &DirectoryReader{cfg: newReaderConfig(opts)}
}

// Validate validates the directory source
func (*DirectoryReader) Validate(src Source) error {
	if src.Type() != SourceTypeDirectory {
		return fmt.Errorf("invalid source type: expected %s, got %s", SourceTypeDirectory, src.Type())
	}

	if src.Path() == "" {
		return fmt.Errorf("seed directory cannot be empty")
	}

	return nil
}

// Read reads the seed directory of src
func (r *DirectoryReader) Read(ctx context.Context, src Source) Outcome {
	return r.ReadDir(ctx, src.Path())
}

// ReadDir reads instance-id, local-hostname, public-keys and user-data from dir.
// File contents are kept byte for byte. Other files are ignored. A missing or
// unreadable directory is absent.
func (r *DirectoryReader) ReadDir(ctx context.Context, dir string) Outcome {
	logger := log.FromContext(ctx).WithValues("path", dir)

	ctx, span := otel.StartSpan(ctx, r.cfg.tracer, "sources.ReadDir",
		trace.WithAttributes(otel.AttrSourceType.String(SourceTypeDirectory)))
	defer span.End()

	info, err := os.Stat(dir)
	if err != nil {
		logger.V(1).Info("Seed directory not available", "error", err.Error())
		return Absent()
	}
	if !info.IsDir() {
		logger.V(1).Info("Seed path is not a directory")
		return Absent()
	}

	fields := FieldStore{}
	for _, name := range seedFields {
		//nolint:gosec // Seed directory comes from the caller, field names are fixed
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Info("Failed to read seed file, treating as absent", "field", name, "error", err.Error())
			}
			r.cfg.metrics.RecordFieldFetch(ctx, SourceTypeDirectory, name, false)
			continue
		}
		fields[name] = data
		r.cfg.metrics.RecordFieldFetch(ctx, SourceTypeDirectory, name, true)
	}

	outcome := Classify(fields)
	span.SetAttributes(otel.AttrOutcome.String(outcome.Kind.String()))
	logger.V(1).Info("Read seed directory", "fields", len(fields), "outcome", outcome.Kind.String())

	return outcome
}
