package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// LegacyDir is one per-version directory from the pre-unified layout:
// gallery/vN/ holding metadata_vN.json and its own images folder.
type LegacyDir struct {
	Name     string
	Version  int
	Path     string
	MetaPath string
}

// DetectLegacy finds legacy per-version directories under root, ordered by
// ascending version. Directories named vN without a matching metadata file
// are ignored.
func DetectLegacy(root string) ([]LegacyDir, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read gallery root: %w", err)
	}

	var dirs []LegacyDir
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "v") {
			continue
		}
		version, err := strconv.Atoi(entry.Name()[1:])
		if err != nil {
			continue
		}
		metaPath := filepath.Join(root, entry.Name(), "metadata_"+entry.Name()+".json")
		if _, err := os.Stat(metaPath); err != nil {
			continue
		}
		dirs = append(dirs, LegacyDir{
			Name:     entry.Name(),
			Version:  version,
			Path:     filepath.Join(root, entry.Name()),
			MetaPath: metaPath,
		})
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Version < dirs[j].Version })
	return dirs, nil
}

// Migrate consolidates all legacy per-version directories into the unified
// store layout: records merge dedup-safe into metadata.json, images move
// into the shared images directory, and each fully-merged legacy directory
// is removed. A root without legacy directories is a no-op. Safe to run
// repeatedly.
func Migrate(root string) (int, error) {
	legacy, err := DetectLegacy(root)
	if err != nil {
		return 0, err
	}
	if len(legacy) == 0 {
		return 0, nil
	}

	records, err := Load(root)
	if err != nil {
		return 0, err
	}

	imagesDir := ImagesDir(root)
	if err := os.MkdirAll(imagesDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create images directory: %w", err)
	}

	totalAdded := 0
	for _, dir := range legacy {
		data, err := os.ReadFile(dir.MetaPath)
		if err != nil {
			return totalAdded, fmt.Errorf("failed to read legacy metadata %s: %w", dir.Name, err)
		}
		var legacyRecords []Record
		if err := json.Unmarshal(data, &legacyRecords); err != nil {
			return totalAdded, fmt.Errorf("%w: legacy %s: %v", ErrCorruptStore, dir.Name, err)
		}

		var added int
		records, added = Merge(records, legacyRecords)
		totalAdded += added

		legacyImages := filepath.Join(dir.Path, ImagesDirName)
		if err := moveImages(legacyImages, imagesDir); err != nil {
			return totalAdded, fmt.Errorf("failed to move images from %s: %w", dir.Name, err)
		}

		if err := os.RemoveAll(dir.Path); err != nil {
			return totalAdded, fmt.Errorf("failed to remove legacy directory %s: %w", dir.Name, err)
		}
		slog.Info("migrated legacy directory", "dir", dir.Name, "records", added)
	}

	if err := Save(root, records); err != nil {
		return totalAdded, err
	}
	return totalAdded, nil
}

// moveImages moves every file from src into dst. Files already present in
// dst are left alone; the earlier version of a duplicate filename wins.
func moveImages(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())
		if _, err := os.Stat(to); err == nil {
			continue
		}
		if err := os.Rename(from, to); err != nil {
			// Rename fails across filesystems; fall back to copy.
			if copyErr := copyFile(from, to); copyErr != nil {
				return copyErr
			}
			os.Remove(from)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
