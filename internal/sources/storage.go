package sources

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// SeedStore persists a resolved seed
type SeedStore interface {
	// Store saves the seed, replacing any seed stored before
	Store(ctx context.Context, res *Result) error

	// Delete removes a stored seed. Deleting nothing is not an error.
	Delete(ctx context.Context) error
}

// dirSeedStore writes seeds in the directory layout DirectoryReader reads
type dirSeedStore struct {
	basePath string
}

var _ SeedStore = (*dirSeedStore)(nil)

// NewDirectorySeedStore creates a store that writes one file per field under basePath
func NewDirectorySeedStore(basePath string) SeedStore {
	return &dirSeedStore{
		basePath: basePath,
	}
}

// Store writes every field of res. Optional fields the seed lacks are removed
// so that a stale public-keys file never outlives the seed it came from.
func (d *dirSeedStore) Store(ctx context.Context, res *Result) error {
	if res == nil {
		return errors.New("no seed to store")
	}
	if err := os.MkdirAll(d.basePath, 0750); err != nil {
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	files := map[string][]byte{FieldUserData: res.UserData}
	for name, value := range res.Metadata {
		if isMetadataField(name) {
			files[name] = []byte(value)
		}
	}

	for _, name := range seedFields {
		data, ok := files[name]
		if !ok {
			if err := d.remove(name); err != nil {
				return err
			}
			continue
		}
		if err := d.writeAtomic(name, data); err != nil {
			return err
		}
	}

	log.FromContext(ctx).V(1).Info("Stored seed", "dir", d.basePath, "source", res.Source.String())
	return nil
}

// Delete removes the seed files, leaving the directory and any other files
func (d *dirSeedStore) Delete(_ context.Context) error {
	for _, name := range seedFields {
		if err := d.remove(name); err != nil {
			return err
		}
	}
	return nil
}

func (d *dirSeedStore) writeAtomic(name string, data []byte) error {
	filePath := filepath.Join(d.basePath, name)

	// Write to temporary file first for atomic operation
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary %s file: %w", name, err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s file: %w", name, err)
	}
	return nil
}

func (d *dirSeedStore) remove(name string) error {
	err := os.Remove(filepath.Join(d.basePath, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s file: %w", name, err)
	}
	return nil
}
