// Package store owns the gallery metadata: a single JSON array of image
// records that every operation loads fully, mutates in memory, and writes
// back as a whole.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorruptStore reports a metadata file that exists but cannot be parsed
// as a list of records. It is never auto-repaired.
var ErrCorruptStore = errors.New("corrupt metadata store")

// Filenames and directories under the gallery root.
const (
	MetadataFilename = "metadata.json"
	ImagesDirName    = "images"
	ThumbsDirName    = "thumbs"
)

// MetadataPath returns the path of the persisted store under root.
func MetadataPath(root string) string {
	return filepath.Join(root, MetadataFilename)
}

// ImagesDir returns the full-resolution image directory under root.
func ImagesDir(root string) string {
	return filepath.Join(root, ImagesDirName)
}

// ThumbsDir returns the thumbnail directory for a size bucket under root.
func ThumbsDir(root, bucket string) string {
	return filepath.Join(root, ThumbsDirName, bucket)
}

// Load reads the full record list from root. A missing file is an empty
// store, not an error. A present but unparseable file fails with
// ErrCorruptStore.
func Load(root string) ([]Record, error) {
	data, err := os.ReadFile(MetadataPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read metadata store: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	return records, nil
}

// Merge appends every incoming record whose id is not already present.
// Existing records keep their positions and fields; new records are
// appended in incoming order. Returns the merged list and the count of
// newly added records. Merging the same batch twice is a no-op.
func Merge(existing, incoming []Record) ([]Record, int) {
	known := KnownIDs(existing)
	added := 0
	for _, rec := range incoming {
		if _, ok := known[rec.ID]; ok {
			continue
		}
		existing = append(existing, rec)
		known[rec.ID] = struct{}{}
		added++
	}
	return existing, added
}

// Save writes the full record list back under root. The write goes to a
// temp file first and is renamed into place so readers never observe a
// half-written store.
func Save(root string, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata store: %w", err)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("failed to create gallery root: %w", err)
	}

	tmp, err := os.CreateTemp(root, MetadataFilename+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, MetadataPath(root)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace metadata store: %w", err)
	}
	return nil
}

// KnownIDs returns the set of record ids in records.
func KnownIDs(records []Record) map[string]struct{} {
	ids := make(map[string]struct{}, len(records))
	for _, rec := range records {
		ids[rec.ID] = struct{}{}
	}
	return ids
}

// KnownFilenames returns the set of filenames referenced by records.
func KnownFilenames(records []Record) map[string]struct{} {
	names := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.Filename != "" {
			names[rec.Filename] = struct{}{}
		}
	}
	return names
}
