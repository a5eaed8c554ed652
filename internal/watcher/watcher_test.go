package watcher

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vonshlovens/picarchive/internal/config"
	"github.com/vonshlovens/picarchive/internal/importer"
	"github.com/vonshlovens/picarchive/internal/store"
)

type fakeImporter struct {
	batches chan []string
}

func (f *fakeImporter) Run(_ context.Context, opts importer.Options) ([]store.Record, error) {
	f.batches <- opts.Inputs
	return make([]store.Record, len(opts.Inputs)), nil
}

func inboxConfig(dir string) *config.Config {
	return &config.Config{
		GalleryRoot: dir,
		Import: config.ImportConfig{
			InboxDir:       filepath.Join(dir, "inbox"),
			IgnorePatterns: []string{".DS_Store"},
			DebounceMs:     50,
		},
	}
}

func writeInboxPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestInbox_DrainsExistingFiles(t *testing.T) {
	cfg := inboxConfig(t.TempDir())
	if err := os.MkdirAll(cfg.Import.InboxDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeInboxPNG(t, filepath.Join(cfg.Import.InboxDir, "waiting.png"))

	fake := &fakeImporter{batches: make(chan []string, 4)}
	inbox, err := NewInbox(cfg, fake)
	if err != nil {
		t.Fatalf("NewInbox failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx) }()

	select {
	case batch := <-fake.batches:
		if len(batch) != 1 || filepath.Base(batch[0]) != "waiting.png" {
			t.Errorf("batch = %v, want the pre-existing file", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pre-existing file never imported")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestInbox_ImportsDroppedFile(t *testing.T) {
	cfg := inboxConfig(t.TempDir())

	fake := &fakeImporter{batches: make(chan []string, 4)}
	inbox, err := NewInbox(cfg, fake)
	if err != nil {
		t.Fatalf("NewInbox failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx) }()

	// Give the watch a moment to attach, then drop a file.
	time.Sleep(100 * time.Millisecond)
	writeInboxPNG(t, filepath.Join(cfg.Import.InboxDir, "dropped.png"))

	select {
	case batch := <-fake.batches:
		if len(batch) != 1 || filepath.Base(batch[0]) != "dropped.png" {
			t.Errorf("batch = %v, want the dropped file", batch)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("dropped file never imported")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

func TestNewInbox_RequiresDir(t *testing.T) {
	cfg := &config.Config{GalleryRoot: t.TempDir()}
	if _, err := NewInbox(cfg, &fakeImporter{batches: make(chan []string, 1)}); err == nil {
		t.Error("expected error for missing inbox dir")
	}
}
