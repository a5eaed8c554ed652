package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeLegacyDir(t *testing.T, root, name string, records []Record, images map[string]string) {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, ImagesDirName), 0755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(records)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata_"+name+".json"), data, 0644); err != nil {
		t.Fatal(err)
	}
	for filename, content := range images {
		if err := os.WriteFile(filepath.Join(dir, ImagesDirName, filename), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestDetectLegacy_Ordering(t *testing.T) {
	root := t.TempDir()
	writeLegacyDir(t, root, "v10", nil, nil)
	writeLegacyDir(t, root, "v2", nil, nil)
	writeLegacyDir(t, root, "v1", nil, nil)

	// Directories that only look like versions are ignored.
	if err := os.MkdirAll(filepath.Join(root, "v99"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "vault"), 0755); err != nil {
		t.Fatal(err)
	}

	dirs, err := DetectLegacy(root)
	if err != nil {
		t.Fatalf("DetectLegacy failed: %v", err)
	}
	if len(dirs) != 3 {
		t.Fatalf("found %d legacy dirs, want 3", len(dirs))
	}
	for i, want := range []string{"v1", "v2", "v10"} {
		if dirs[i].Name != want {
			t.Errorf("dirs[%d] = %s, want %s", i, dirs[i].Name, want)
		}
	}
}

func TestDetectLegacy_MissingRoot(t *testing.T) {
	dirs, err := DetectLegacy(filepath.Join(t.TempDir(), "nope"))
	if err != nil || dirs != nil {
		t.Errorf("missing root should be a no-op, got %v, %v", dirs, err)
	}
}

func TestMigrate_ConsolidatesVersions(t *testing.T) {
	root := t.TempDir()

	// Unified store already knows id "1".
	if err := Save(root, []Record{{ID: "1", Filename: "a.jpg"}}); err != nil {
		t.Fatal(err)
	}

	writeLegacyDir(t, root, "v1",
		[]Record{{ID: "1", Filename: "a.jpg"}, {ID: "2", Filename: "b.jpg"}},
		map[string]string{"b.jpg": "legacy-b"})
	writeLegacyDir(t, root, "v2",
		[]Record{{ID: "3", Filename: "c.jpg"}},
		map[string]string{"c.jpg": "legacy-c"})

	added, err := Migrate(root)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	records, err := Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("store has %d records, want 3", len(records))
	}

	for _, filename := range []string{"b.jpg", "c.jpg"} {
		if _, err := os.Stat(filepath.Join(ImagesDir(root), filename)); err != nil {
			t.Errorf("image %s not moved to unified directory: %v", filename, err)
		}
	}

	// Legacy directories are gone afterwards.
	for _, name := range []string{"v1", "v2"} {
		if _, err := os.Stat(filepath.Join(root, name)); !os.IsNotExist(err) {
			t.Errorf("legacy directory %s still present", name)
		}
	}
}

func TestMigrate_NoLegacyIsNoop(t *testing.T) {
	root := t.TempDir()
	if err := Save(root, []Record{{ID: "1", Filename: "a.jpg"}}); err != nil {
		t.Fatal(err)
	}

	added, err := Migrate(root)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if added != 0 {
		t.Errorf("added = %d, want 0", added)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	root := t.TempDir()
	writeLegacyDir(t, root, "v1", []Record{{ID: "1", Filename: "a.jpg"}}, map[string]string{"a.jpg": "x"})

	if _, err := Migrate(root); err != nil {
		t.Fatal(err)
	}
	added, err := Migrate(root)
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if added != 0 {
		t.Errorf("second run added %d records, want 0", added)
	}
}

func TestMigrate_KeepsExistingImageOnNameClash(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(ImagesDir(root), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ImagesDir(root), "a.jpg"), []byte("unified"), 0644); err != nil {
		t.Fatal(err)
	}
	writeLegacyDir(t, root, "v1", []Record{{ID: "1", Filename: "a.jpg"}}, map[string]string{"a.jpg": "legacy"})

	if _, err := Migrate(root); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(ImagesDir(root), "a.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "unified" {
		t.Errorf("unified image overwritten by legacy copy: %q", data)
	}
}
