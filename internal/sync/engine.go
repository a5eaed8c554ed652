// Package sync drives incremental synchronization against the remote image
// inventory: cursor-based pagination, dedup against the local store,
// bounded-parallel downloads, and one store commit per page.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/picarchive/internal/config"
	"github.com/vonshlovens/picarchive/internal/gallery"
	"github.com/vonshlovens/picarchive/internal/remote"
	"github.com/vonshlovens/picarchive/internal/store"
	"github.com/vonshlovens/picarchive/internal/thumbs"
)

// Client is the remote API surface the engine needs. Satisfied by
// remote.Client; faked in tests.
type Client interface {
	FetchPage(ctx context.Context, cursor string) (*remote.Page, error)
	Download(ctx context.Context, item remote.Item) ([]byte, string, error)
	SetHeaders(headers map[string]string)
}

// Tagger hands newly archived ids to the AI tagging collaborator.
type Tagger interface {
	TagRecords(ctx context.Context, root string, records []store.Record, ids map[string]struct{}, reTag bool) (int, error)
}

// ReauthFunc supplies fresh auth headers after the remote API rejects the
// current ones. Returning an error declines re-authentication and ends the
// run with whatever was already saved.
type ReauthFunc func() (map[string]string, error)

const conversationBaseURL = "https://chat.openai.com/c/"

// Engine handles remote synchronization logic
type Engine struct {
	client    Client
	config    *config.Config
	renderer  gallery.Renderer
	tagger    Tagger
	reauth    ReauthFunc
	pageDelay time.Duration
}

// Result summarizes a sync run. A run that makes zero progress still
// reports zero rather than silently doing nothing.
type Result struct {
	NewRecords int
	Pages      int
	Tagged     int
	Failures   []error
}

// NewEngine creates a new sync engine. A nil renderer falls back to the
// logging no-op; tagger and reauth are optional.
func NewEngine(client Client, cfg *config.Config, renderer gallery.Renderer, tagger Tagger, reauth ReauthFunc) *Engine {
	if renderer == nil {
		renderer = gallery.Noop()
	}
	return &Engine{
		client:    client,
		config:    cfg,
		renderer:  renderer,
		tagger:    tagger,
		reauth:    reauth,
		pageDelay: time.Duration(cfg.Sync.PageDelayMs) * time.Millisecond,
	}
}

// Run performs one full incremental sync. Already-archived ids are never
// re-downloaded; the store grows by one commit per fetched page, so an
// interrupted run resumes cleanly. The gallery renderer is invoked after
// the loop no matter how it ended.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	root := e.config.GalleryRoot

	// Consolidate any legacy per-version layout before touching the store.
	if migrated, err := store.Migrate(root); err != nil {
		return nil, fmt.Errorf("legacy migration failed: %w", err)
	} else if migrated > 0 {
		slog.Info("consolidated legacy metadata", "records", migrated)
	}

	records, err := store.Load(root)
	if err != nil {
		return nil, err
	}
	known := store.KnownIDs(records)
	slog.Info("starting sync", "known", len(known))

	if err := os.MkdirAll(store.ImagesDir(root), 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}

	result := &Result{}
	newIDs := make(map[string]struct{})
	cursor := ""
	consecutiveKnownPages := 0
	reauthUsed := false
	var runErr error

	for {
		page, err := e.client.FetchPage(ctx, cursor)
		if err != nil {
			var authErr *remote.AuthError
			if errors.As(err, &authErr) && e.reauth != nil && !reauthUsed {
				slog.Warn("auth rejected, attempting re-authentication", "status", authErr.StatusCode)
				headers, reauthErr := e.reauth()
				if reauthErr == nil {
					e.client.SetHeaders(headers)
					reauthUsed = true
					continue // retry the same cursor
				}
				slog.Error("re-authentication declined", "error", reauthErr)
			}
			runErr = err
			break
		}

		if len(page.Items) == 0 {
			slog.Info("no more items in API")
			break
		}

		var newItems []remote.Item
		for _, item := range page.Items {
			if item.ID == "" || item.URL == "" {
				continue
			}
			if _, ok := known[item.ID]; ok {
				continue
			}
			newItems = append(newItems, item)
		}

		if len(newItems) == 0 {
			consecutiveKnownPages++
			if consecutiveKnownPages >= 2 {
				slog.Info("no new images in two consecutive pages, stopping")
				break
			}
			cursor = page.Cursor
			if cursor == "" {
				break
			}
			e.sleep(ctx)
			continue
		}
		consecutiveKnownPages = 0

		downloaded, failures := e.downloadPage(ctx, root, newItems)
		result.Failures = append(result.Failures, failures...)
		for _, failure := range failures {
			slog.Warn("item skipped", "error", failure)
		}

		if len(downloaded) > 0 {
			var added int
			records, added = store.Merge(records, downloaded)
			if err := store.Save(root, records); err != nil {
				runErr = err
				break
			}
			for _, rec := range downloaded {
				known[rec.ID] = struct{}{}
				newIDs[rec.ID] = struct{}{}
			}
			result.NewRecords += added
			result.Pages++
			slog.Info("page merged", "new", added, "total", len(records))
		}

		cursor = page.Cursor
		if cursor == "" {
			break
		}
		e.sleep(ctx)
	}

	// Tags land in one further commit before the gallery renders, so the
	// on-disk state a renderer observes always has tags final.
	if e.config.Sync.TagNew && e.tagger != nil && len(newIDs) > 0 {
		tagged, err := e.tagger.TagRecords(ctx, root, records, newIDs, true)
		if err != nil {
			slog.Error("tagging failed", "error", err)
		} else if tagged > 0 {
			result.Tagged = tagged
			if err := store.Save(root, records); err != nil {
				return result, err
			}
		}
	}

	// Render unconditionally so presentation stays in step with the store.
	if err := e.renderer.Render(root, records); err != nil {
		slog.Error("gallery render failed", "error", err)
	}

	slog.Info("sync completed",
		"new", result.NewRecords,
		"failed", len(result.Failures),
		"duration_s", time.Since(start).Seconds())

	return result, runErr
}

// downloadPage fetches every new item of one page with bounded parallelism
// and generates thumbnails for each saved file. Per-item failures are
// collected, not raised; no partial-page state reaches the store because
// the caller merges only after this returns.
func (e *Engine) downloadPage(ctx context.Context, root string, items []remote.Item) ([]store.Record, []error) {
	workers := e.config.Sync.DownloadWorkers
	if workers < 1 {
		workers = 1
	}

	bar := progressbar.NewOptions(len(items),
		progressbar.OptionSetDescription("Downloading images"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)

	var mu sync.Mutex
	var downloaded []store.Record
	var failures []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, item := range items {
		g.Go(func() error {
			rec, err := e.fetchItem(gctx, root, item)
			mu.Lock()
			if err != nil {
				failures = append(failures, err)
			} else {
				downloaded = append(downloaded, *rec)
			}
			mu.Unlock()
			bar.Add(1)
			return nil
		})
	}
	g.Wait()
	bar.Finish()

	return downloaded, failures
}

// fetchItem downloads one item's payload, writes it under images/ named by
// id plus the content-type extension, and materializes its thumbnails.
func (e *Engine) fetchItem(ctx context.Context, root string, item remote.Item) (*store.Record, error) {
	data, ext, err := e.client.Download(ctx, item)
	if err != nil {
		return nil, err
	}

	filename := item.ID + ext
	path := filepath.Join(store.ImagesDir(root), filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, &remote.DownloadError{ID: item.ID, URL: item.URL, Err: err}
	}

	rec := recordFromItem(item, filename)
	single := []store.Record{*rec}
	thumbResult, err := thumbs.Ensure(root, single, thumbs.Options{Workers: 1})
	if err != nil {
		return nil, err
	}
	if len(thumbResult.Failures) > 0 {
		slog.Warn("thumbnail generation failed for download", "id", item.ID, "error", thumbResult.Failures[0].Err)
	}
	return &single[0], nil
}

// recordFromItem builds the archived record for a fetched inventory item.
func recordFromItem(item remote.Item, filename string) *store.Record {
	rec := &store.Record{
		ID:             item.ID,
		Filename:       filename,
		Title:          item.Title,
		Prompt:         item.Prompt,
		Tags:           item.Tags,
		CreatedAt:      item.CreatedAt,
		Width:          item.Width,
		Height:         item.Height,
		ConversationID: item.ConversationID,
		MessageID:      item.MessageID,
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	url := item.URL
	rec.URL = &url
	if item.ConversationID != nil {
		link := conversationBaseURL + *item.ConversationID
		if item.MessageID != nil {
			link += "#" + *item.MessageID
		}
		rec.ConversationLink = &link
	}
	return rec
}

// sleep waits the configured inter-page delay, honoring cancellation.
func (e *Engine) sleep(ctx context.Context) {
	if e.pageDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(e.pageDelay):
	}
}
