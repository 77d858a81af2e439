package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Field names shared by the directory layout and the HTTP seed protocol
const (
	FieldInstanceID    = "instance-id"
	FieldLocalHostname = "local-hostname"
	FieldPublicKeys    = "public-keys"
	FieldUserData      = "user-data"
)

const (
	// SourceTypeDirectory is a local directory of flat files, one per field
	SourceTypeDirectory = "directory"

	// SourceTypeURL is a versioned HTTP endpoint serving one resource per field
	SourceTypeURL = "url"
)

// DefaultVersion is the metadata version requested when none is given
const DefaultVersion = "2012-03-01"

var (
	// requiredFields must all be present for a seed to resolve, in reporting order
	requiredFields = []string{FieldInstanceID, FieldLocalHostname}

	// seedFields is every field a reader looks for
	seedFields = []string{FieldInstanceID, FieldLocalHostname, FieldUserData, FieldPublicKeys}
)

// isMetadataField reports whether name is copied into Metadata
func isMetadataField(name string) bool {
	switch name {
	case FieldInstanceID, FieldLocalHostname, FieldPublicKeys:
		return true
	default:
		return false
	}
}

// Source identifies a single seed location. It is either a directory or a
// base URL plus version; the zero value is not a valid source.
type Source struct {
	sourceType string
	path       string
	base       string
	version    string
}

// NewDirectorySource creates a source backed by a local seed directory
func NewDirectorySource(path string) Source {
	return Source{sourceType: SourceTypeDirectory, path: path}
}

// NewURLSource creates a source backed by a versioned HTTP seed endpoint.
// An empty version selects DefaultVersion.
func NewURLSource(base, version string) Source {
	if version == "" {
		version = DefaultVersion
	}
	return Source{sourceType: SourceTypeURL, base: strings.TrimSuffix(base, "/"), version: version}
}

// Type returns SourceTypeDirectory or SourceTypeURL
func (s Source) Type() string { return s.sourceType }

// Path returns the seed directory of a directory source
func (s Source) Path() string { return s.path }

// Base returns the base URL of a URL source, without a trailing slash
func (s Source) Base() string { return s.base }

// Version returns the metadata version of a URL source
func (s Source) Version() string { return s.version }

// String returns a human readable location for logs and errors
func (s Source) String() string {
	switch s.sourceType {
	case SourceTypeDirectory:
		return s.path
	case SourceTypeURL:
		return s.base + "/" + s.version
	default:
		return "<invalid source>"
	}
}

// FieldStore holds raw field values as read from a source. A missing key means
// the field was not present; it is never stored as an empty placeholder.
type FieldStore map[string][]byte

// Has reports whether the field was read
func (f FieldStore) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// Metadata is the key/value part of a seed. It never contains user-data.
type Metadata map[string]string

// Kind classifies a resolution attempt
type Kind int

const (
	// KindAbsent means no usable seed was found at the source
	KindAbsent Kind = iota
	// KindMalformed means the source exists but is missing required fields
	KindMalformed
	// KindResolved means the seed was read and validated
	KindResolved
)

// String returns the lowercase name of the kind
func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindMalformed:
		return "malformed"
	case KindResolved:
		return "resolved"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of reading a single source
type Outcome struct {
	Kind Kind

	// UserData is set when Kind is KindResolved; it is non-nil even when empty
	UserData []byte

	// Metadata is set when Kind is KindResolved
	Metadata Metadata

	// Missing lists the required fields that were absent when Kind is KindMalformed
	Missing []string
}

// Resolved creates a successful outcome
func Resolved(userData []byte, md Metadata) Outcome {
	if userData == nil {
		userData = []byte{}
	}
	return Outcome{Kind: KindResolved, UserData: userData, Metadata: md}
}

// Absent creates an outcome for a source with no seed data
func Absent() Outcome {
	return Outcome{Kind: KindAbsent}
}

// Malformed creates an outcome for a source that fails required-field validation
func Malformed(missing []string) Outcome {
	return Outcome{Kind: KindMalformed, Missing: missing}
}

// Err converts the outcome into an error: nil when resolved, ErrSeedAbsent or
// a *MalformedError otherwise.
func (o Outcome) Err() error {
	switch o.Kind {
	case KindResolved:
		return nil
	case KindMalformed:
		return &MalformedError{Missing: o.Missing}
	default:
		return ErrSeedAbsent
	}
}

var (
	// ErrSeedAbsent is returned when no seed data is found. Callers should
	// move on to the next candidate source.
	ErrSeedAbsent = errors.New("no data files found")

	// ErrSeedMalformed matches every *MalformedError
	ErrSeedMalformed = errors.New("seed malformed")
)

// MalformedError reports a seed that exists but lacks required fields
type MalformedError struct {
	// Source is the location that was read, if known
	Source string

	// Missing lists the absent required fields
	Missing []string
}

// Error returns the error message
func (e *MalformedError) Error() string {
	msg := "missing files " + strings.Join(e.Missing, ", ")
	if e.Source == "" {
		return msg
	}
	return e.Source + ": " + msg
}

// Is makes errors.Is(err, ErrSeedMalformed) succeed
func (*MalformedError) Is(target error) bool {
	return target == ErrSeedMalformed
}

//go:generate mockgen -destination=mocks/mock_reader.go -package=mocks -source=types.go Reader,ReaderFactory

// Reader reads and classifies a single seed source
type Reader interface {
	// Validate checks that the source can be handled by this reader
	Validate(src Source) error

	// Read fetches every seed field from the source and classifies the result
	Read(ctx context.Context, src Source) Outcome
}

// ReaderFactory creates readers based on source type
type ReaderFactory interface {
	// CreateReader creates a reader for the given source type
	CreateReader(sourceType string) (Reader, error)
}
