// Package importer ingests externally supplied image files into the
// gallery: input expansion, unique slug naming, copy-or-move transfer,
// record construction, and thumbnail backfill through the same store path
// the sync engine uses.
package importer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/vonshlovens/picarchive/internal/config"
	"github.com/vonshlovens/picarchive/internal/store"
	"github.com/vonshlovens/picarchive/internal/thumbs"
)

var (
	// ErrNotRecursive reports a directory input without the recursive flag.
	ErrNotRecursive = errors.New("directory given without --recursive")
	// ErrLinkCountMismatch reports a conversation-link list whose length
	// does not match the number of direct file inputs.
	ErrLinkCountMismatch = errors.New("conversation link count does not match file inputs")
	// ErrNoImportableFiles reports that input expansion matched nothing.
	ErrNoImportableFiles = errors.New("no importable image files found")
)

// imageExts is the extension allow-list for directory walks. Files outside
// it get one content-sniff chance before being skipped.
var imageExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {},
	".webp": {}, ".bmp": {}, ".tif": {}, ".tiff": {},
}

// Namer suggests a short descriptive name for an image file. Satisfied by
// the AI tagger; failures fall back to the deterministic slug.
type Namer interface {
	SuggestName(ctx context.Context, imagePath string) (string, error)
}

// Tagger hands newly imported ids to the AI tagging collaborator.
type Tagger interface {
	TagRecords(ctx context.Context, root string, records []store.Record, ids map[string]struct{}, reTag bool) (int, error)
}

// Options describes one import batch.
type Options struct {
	Inputs            []string
	CopyFiles         bool // default is move
	Recursive         bool
	Title             string
	Tags              []string // raw values, comma expansion applied
	ConversationLinks []string // one per direct file input
	AIRename          bool
	TagNew            bool

	// Confirm gates the batch before any file is transferred. A nil func
	// or the assume-yes config skips the gate.
	Confirm func(count int) bool
}

// Engine performs local imports against a gallery root.
type Engine struct {
	config *config.Config
	namer  Namer
	tagger Tagger
}

// NewEngine creates an import engine. Namer and tagger are optional.
func NewEngine(cfg *config.Config, namer Namer, tagger Tagger) *Engine {
	return &Engine{config: cfg, namer: namer, tagger: tagger}
}

// importFile is one resolved input: direct inputs carry their
// conversation link, walk-expanded ones do not.
type importFile struct {
	path string
	link *string
}

// Run expands the inputs, transfers each file into images/ under a unique
// slugged name, and commits the new records with thumbnails materialized.
// Argument errors surface before any file is touched. Returns the newly
// created records.
func (e *Engine) Run(ctx context.Context, opts Options) ([]store.Record, error) {
	root := e.config.GalleryRoot

	// Clamp before anything is transferred: a misconfigured worker count
	// must not abort the batch after sources have already been moved.
	thumbWorkers := e.config.Thumbs.Workers
	if thumbWorkers < 1 {
		thumbWorkers = 1
	}

	files, err := e.expandInputs(opts)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoImportableFiles
	}

	if !e.config.AssumeYes && opts.Confirm != nil && !opts.Confirm(len(files)) {
		slog.Info("import cancelled")
		return nil, nil
	}

	records, err := store.Load(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(store.ImagesDir(root), 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}

	used := store.KnownFilenames(records)
	addDirEntries(store.ImagesDir(root), used)

	tags := ExpandTags(opts.Tags)
	var imported []store.Record
	var failed []error
	for _, file := range files {
		rec, err := e.importOne(ctx, root, file, opts, tags, used)
		if err != nil {
			slog.Warn("file skipped", "path", file.path, "error", err)
			failed = append(failed, fmt.Errorf("%s: %w", file.path, err))
			continue
		}
		imported = append(imported, *rec)
	}
	if len(imported) == 0 {
		// Distinct from ErrNoImportableFiles: these files matched but their
		// transfers failed.
		return nil, fmt.Errorf("no files imported: %w", errors.Join(failed...))
	}

	thumbResult, err := thumbs.Ensure(root, imported, thumbs.Options{Workers: thumbWorkers})
	if err != nil {
		return nil, err
	}
	for _, failure := range thumbResult.Failures {
		slog.Warn("thumbnail generation failed", "filename", failure.Filename, "error", failure.Err)
	}

	records, added := store.Merge(records, imported)

	if opts.TagNew && e.tagger != nil {
		ids := store.KnownIDs(imported)
		if _, err := e.tagger.TagRecords(ctx, root, records, ids, true); err != nil {
			slog.Error("tagging failed", "error", err)
		}
	}

	if err := store.Save(root, records); err != nil {
		return nil, err
	}

	slog.Info("import completed", "imported", added)
	return imported, nil
}

// expandInputs resolves the option inputs into concrete files, applying
// the recursive and link-count rules before anything is transferred.
func (e *Engine) expandInputs(opts Options) ([]importFile, error) {
	// Stat each input once and carry the result, so the expansion below
	// cannot disagree with the checks here.
	type statedInput struct {
		path  string
		isDir bool
	}
	inputs := make([]statedInput, 0, len(opts.Inputs))
	var directCount int
	for _, input := range opts.Inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, fmt.Errorf("failed to stat input: %w", err)
		}
		if info.IsDir() {
			if !opts.Recursive {
				return nil, fmt.Errorf("%w: %s", ErrNotRecursive, input)
			}
		} else {
			directCount++
		}
		inputs = append(inputs, statedInput{path: input, isDir: info.IsDir()})
	}
	if len(opts.ConversationLinks) > 0 && len(opts.ConversationLinks) != directCount {
		return nil, fmt.Errorf("%w: %d links for %d files",
			ErrLinkCountMismatch, len(opts.ConversationLinks), directCount)
	}

	var files []importFile
	linkIdx := 0
	for _, input := range inputs {
		if !input.isDir {
			file := importFile{path: input.path}
			if len(opts.ConversationLinks) > 0 {
				link := opts.ConversationLinks[linkIdx]
				file.link = &link
				linkIdx++
			}
			files = append(files, file)
			continue
		}
		walked, err := e.walkDir(input.path)
		if err != nil {
			return nil, err
		}
		files = append(files, walked...)
	}
	return files, nil
}

// walkDir collects image files under dir, honoring the configured ignore
// patterns against both the relative path and the base name.
func (e *Engine) walkDir(dir string) ([]importFile, error) {
	var files []importFile
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = entry.Name()
		}
		if e.ignored(filepath.ToSlash(rel), entry.Name()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		if IsImageFile(path) {
			files = append(files, importFile{path: path})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}

func (e *Engine) ignored(rel, base string) bool {
	for _, pattern := range e.config.Import.IgnorePatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// IsImageFile accepts files by extension, falling back to a content sniff
// for unknown extensions.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := imageExts[ext]; ok {
		return true
	}
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mtype.String(), "image/")
}

// importOne names, transfers, and records a single file.
func (e *Engine) importOne(ctx context.Context, root string, file importFile, opts Options, tags []string, used map[string]struct{}) (*store.Record, error) {
	slug := e.resolveSlug(ctx, file.path, opts.AIRename)
	ext := destExtension(file.path)
	filename := uniqueFilename(slug, ext, used)

	dest := filepath.Join(store.ImagesDir(root), filename)
	if err := transfer(file.path, dest, opts.CopyFiles); err != nil {
		return nil, err
	}
	used[filename] = struct{}{}

	id := uuid.New()
	title := opts.Title
	if title == "" {
		title = humanize(slug)
	}
	rec := &store.Record{
		ID:               hex.EncodeToString(id[:]),
		Filename:         filename,
		Title:            title,
		Tags:             append([]string(nil), tags...),
		CreatedAt:        store.Now(),
		ConversationLink: file.link,
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	slog.Debug("imported file", "source", file.path, "filename", filename)
	return rec, nil
}

// resolveSlug asks the namer when AI renaming is requested and falls back
// to the slugified source stem.
func (e *Engine) resolveSlug(ctx context.Context, path string, aiRename bool) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if aiRename && e.namer != nil {
		suggestion, err := e.namer.SuggestName(ctx, path)
		if err != nil {
			slog.Warn("rename suggestion failed, using source name", "path", path, "error", err)
		} else if slug := Slugify(suggestion); slug != "" {
			return slug
		}
	}
	return Slugify(stem)
}

// transfer moves or copies src to dest. Move tries a rename first and
// falls back to copy-and-remove across filesystems.
func transfer(src, dest string, copyFiles bool) error {
	if !copyFiles {
		if err := os.Rename(src, dest); err == nil {
			return nil
		}
		if err := copyFile(src, dest); err != nil {
			return err
		}
		return os.Remove(src)
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return out.Close()
}

// uniqueFilename resolves collisions against the used set by suffixing
// -2, -3 and so on before the extension.
func uniqueFilename(slug, ext string, used map[string]struct{}) string {
	name := slug + ext
	for i := 2; ; i++ {
		if _, taken := used[name]; !taken {
			return name
		}
		name = fmt.Sprintf("%s-%d%s", slug, i, ext)
	}
}

// destExtension keeps a known image extension and otherwise derives one
// from the file's content type.
func destExtension(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := imageExts[ext]; ok {
		return ext
	}
	if mtype, err := mimetype.DetectFile(path); err == nil && mtype.Extension() != "" {
		return mtype.Extension()
	}
	return ".jpg"
}

// Slugify lowercases the name and collapses non-alphanumeric runs to
// single hyphens. ASCII only; an all-symbol input yields "image".
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', unicode.IsDigit(r) && r < 128:
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "image"
	}
	return slug
}

// humanize turns a slug into a plain title: hyphens to spaces, first
// letter uppercased.
func humanize(slug string) string {
	text := strings.ReplaceAll(slug, "-", " ")
	if text == "" {
		return text
	}
	return strings.ToUpper(text[:1]) + text[1:]
}

// ExpandTags flattens repeated and comma-separated tag values into one
// clean list.
func ExpandTags(values []string) []string {
	var tags []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if tag := strings.TrimSpace(part); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

// addDirEntries folds the names already present in dir into used so new
// files never overwrite untracked ones.
func addDirEntries(dir string, used map[string]struct{}) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		used[entry.Name()] = struct{}{}
	}
}
