package importer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/vonshlovens/picarchive/internal/config"
	"github.com/vonshlovens/picarchive/internal/store"
)

func testConfig(root string) *config.Config {
	return &config.Config{
		GalleryRoot: root,
		Thumbs:      config.ThumbsConfig{Workers: 1},
		Import: config.ImportConfig{
			IgnorePatterns: []string{".DS_Store", "Thumbs.db", ".*/**"},
		},
	}
}

func writeTestPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 160, B: 220, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRun_MovesSingleFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "Sunset Beach.png")
	writeTestPNG(t, src)

	engine := NewEngine(testConfig(root), nil, nil)
	records, err := engine.Run(context.Background(), Options{
		Inputs: []string{src},
		Tags:   []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("imported %d records, want 1", len(records))
	}

	rec := records[0]
	if rec.Filename != "sunset-beach.png" {
		t.Errorf("filename = %q, want sunset-beach.png", rec.Filename)
	}
	if rec.Title != "Sunset beach" {
		t.Errorf("title = %q, want humanized slug", rec.Title)
	}
	if !reflect.DeepEqual(rec.Tags, []string{"a", "b"}) {
		t.Errorf("tags = %v, want [a b]", rec.Tags)
	}
	if !strings.HasPrefix(rec.Thumbnail, "thumbs/medium/") {
		t.Errorf("thumbnail = %q, want thumbs/medium/ prefix", rec.Thumbnail)
	}
	if rec.ID == "" {
		t.Error("record has no id")
	}

	// Default semantics move the source.
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still exists after move import")
	}
	if _, err := os.Stat(filepath.Join(store.ImagesDir(root), rec.Filename)); err != nil {
		t.Errorf("imported file missing: %v", err)
	}

	persisted, err := store.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 || persisted[0].ID != rec.ID {
		t.Errorf("persisted store = %+v", persisted)
	}
}

func TestRun_CopyKeepsSource(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "keeper.png")
	writeTestPNG(t, src)

	engine := NewEngine(testConfig(root), nil, nil)
	if _, err := engine.Run(context.Background(), Options{
		Inputs:    []string{src},
		CopyFiles: true,
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := os.Stat(src); err != nil {
		t.Errorf("source removed despite copy flag: %v", err)
	}
}

func TestRun_LinkCountMismatchTouchesNothing(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	one := filepath.Join(srcDir, "one.png")
	two := filepath.Join(srcDir, "two.png")
	writeTestPNG(t, one)
	writeTestPNG(t, two)

	engine := NewEngine(testConfig(root), nil, nil)
	_, err := engine.Run(context.Background(), Options{
		Inputs:            []string{one, two},
		ConversationLinks: []string{"https://chat.openai.com/c/abc"},
	})
	if !errors.Is(err, ErrLinkCountMismatch) {
		t.Fatalf("err = %v, want ErrLinkCountMismatch", err)
	}

	for _, src := range []string{one, two} {
		if _, err := os.Stat(src); err != nil {
			t.Errorf("source %s was touched: %v", src, err)
		}
	}
	if entries, _ := os.ReadDir(store.ImagesDir(root)); len(entries) != 0 {
		t.Errorf("images directory not empty: %v", entries)
	}
}

func TestRun_DirectoryNeedsRecursive(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	writeTestPNG(t, filepath.Join(srcDir, "pic.png"))

	engine := NewEngine(testConfig(root), nil, nil)
	_, err := engine.Run(context.Background(), Options{Inputs: []string{srcDir}})
	if !errors.Is(err, ErrNotRecursive) {
		t.Fatalf("err = %v, want ErrNotRecursive", err)
	}
}

func TestRun_RecursiveWalkFilters(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()
	writeTestPNG(t, filepath.Join(srcDir, "top.png"))
	writeTestPNG(t, filepath.Join(srcDir, "nested", "deep.png"))
	if err := os.WriteFile(filepath.Join(srcDir, "notes.txt"), []byte("text"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, ".DS_Store"), []byte{0}, 0644); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(testConfig(root), nil, nil)
	records, err := engine.Run(context.Background(), Options{
		Inputs:    []string{srcDir},
		Recursive: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("imported %d records, want 2 images", len(records))
	}
	for _, rec := range records {
		if !strings.HasSuffix(rec.Filename, ".png") {
			t.Errorf("unexpected import: %q", rec.Filename)
		}
	}
}

func TestRun_NoImportableFiles(t *testing.T) {
	root := t.TempDir()
	srcDir := t.TempDir()

	engine := NewEngine(testConfig(root), nil, nil)
	_, err := engine.Run(context.Background(), Options{
		Inputs:    []string{srcDir},
		Recursive: true,
	})
	if !errors.Is(err, ErrNoImportableFiles) {
		t.Fatalf("err = %v, want ErrNoImportableFiles", err)
	}
}

func TestRun_CollidingStemsGetSuffixes(t *testing.T) {
	root := t.TempDir()
	one := filepath.Join(t.TempDir(), "shot.png")
	two := filepath.Join(t.TempDir(), "shot.png")
	writeTestPNG(t, one)
	writeTestPNG(t, two)

	engine := NewEngine(testConfig(root), nil, nil)
	records, err := engine.Run(context.Background(), Options{
		Inputs:    []string{one, two},
		CopyFiles: true,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("imported %d records, want 2", len(records))
	}

	names := map[string]bool{}
	for _, rec := range records {
		names[rec.Filename] = true
	}
	if !names["shot.png"] || !names["shot-2.png"] {
		t.Errorf("filenames = %v, want shot.png and shot-2.png", names)
	}
}

func TestRun_ZeroThumbWorkersStillImports(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "clamped.png")
	writeTestPNG(t, src)

	cfg := testConfig(root)
	// An unset worker count must not orphan moved files by failing after
	// the transfer.
	cfg.Thumbs.Workers = 0

	engine := NewEngine(cfg, nil, nil)
	records, err := engine.Run(context.Background(), Options{Inputs: []string{src}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("imported %d records, want 1", len(records))
	}

	persisted, err := store.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 1 {
		t.Fatalf("store has %d records, want 1", len(persisted))
	}
	if _, err := os.Stat(filepath.Join(store.ImagesDir(root), records[0].Filename)); err != nil {
		t.Errorf("moved file not recorded: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.ThumbsDir(root, store.BucketMedium), records[0].Filename)); err != nil {
		t.Errorf("thumbnail missing: %v", err)
	}
}

func TestRun_AllTransfersFailingIsNotNoMatch(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "vanishing.png")
	writeTestPNG(t, src)

	engine := NewEngine(testConfig(root), nil, nil)
	_, err := engine.Run(context.Background(), Options{
		Inputs: []string{src},
		// The file disappears after expansion matched it, so every
		// transfer fails.
		Confirm: func(int) bool {
			os.Remove(src)
			return true
		},
	})
	if err == nil {
		t.Fatal("expected an error when every transfer fails")
	}
	if errors.Is(err, ErrNoImportableFiles) {
		t.Errorf("failed batch misreported as no match: %v", err)
	}
}

func TestRun_MixedFileAndDirectoryInputs(t *testing.T) {
	root := t.TempDir()
	direct := filepath.Join(t.TempDir(), "direct.png")
	writeTestPNG(t, direct)
	srcDir := t.TempDir()
	writeTestPNG(t, filepath.Join(srcDir, "walked.png"))
	link := "https://chat.openai.com/c/conv"

	engine := NewEngine(testConfig(root), nil, nil)
	records, err := engine.Run(context.Background(), Options{
		Inputs:            []string{direct, srcDir},
		Recursive:         true,
		CopyFiles:         true,
		ConversationLinks: []string{link},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("imported %d records, want 2", len(records))
	}

	// The link attaches to the direct file only.
	byName := map[string]store.Record{}
	for _, rec := range records {
		byName[rec.Filename] = rec
	}
	if rec := byName["direct.png"]; rec.ConversationLink == nil || *rec.ConversationLink != link {
		t.Errorf("direct file link = %v, want %q", rec.ConversationLink, link)
	}
	if rec := byName["walked.png"]; rec.ConversationLink != nil {
		t.Errorf("walked file unexpectedly linked: %v", *rec.ConversationLink)
	}
}

func TestRun_ConfirmDeclined(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "waiting.png")
	writeTestPNG(t, src)

	engine := NewEngine(testConfig(root), nil, nil)
	records, err := engine.Run(context.Background(), Options{
		Inputs:  []string{src},
		Confirm: func(int) bool { return false },
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if records != nil {
		t.Errorf("declined import still produced records: %v", records)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("declined import touched the source: %v", err)
	}
}

func TestRun_ConversationLinksPerDirectFile(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(t.TempDir(), "linked.png")
	writeTestPNG(t, src)
	link := "https://chat.openai.com/c/conv#msg"

	engine := NewEngine(testConfig(root), nil, nil)
	records, err := engine.Run(context.Background(), Options{
		Inputs:            []string{src},
		ConversationLinks: []string{link},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if records[0].ConversationLink == nil || *records[0].ConversationLink != link {
		t.Errorf("conversation link = %v, want %q", records[0].ConversationLink, link)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Sunset Beach", "sunset-beach"},
		{"IMG_2024-01.PNG", "img-2024-01-png"},
		{"  spaced   out  ", "spaced-out"},
		{"déjà vu", "d-j-vu"},
		{"???", "image"},
		{"already-slugged", "already-slugged"},
	}

	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExpandTags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"repeated flags", []string{"a", "b"}, []string{"a", "b"}},
		{"comma separated", []string{"a,b, c"}, []string{"a", "b", "c"}},
		{"mixed", []string{"a,b", "c"}, []string{"a", "b", "c"}},
		{"blanks dropped", []string{" , ,a"}, []string{"a"}},
		{"empty", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandTags(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExpandTags(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
