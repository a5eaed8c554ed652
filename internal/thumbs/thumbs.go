// Package thumbs maintains the derived thumbnail cache: one fixed-size
// rendition per size bucket for every archived image, generated lazily and
// idempotently from the full-resolution originals.
package thumbs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	_ "golang.org/x/image/webp"

	"github.com/vonshlovens/picarchive/internal/store"
)

// ErrInvalidWorkers reports a worker count below one. It is returned before
// any file I/O happens.
var ErrInvalidWorkers = errors.New("worker count must be at least 1")

// Bucket is one named thumbnail size. Thumbnails fit within Size x Size,
// preserving aspect ratio and never upscaling.
type Bucket struct {
	Name string
	Size int
}

// Buckets lists the canonical size buckets, smallest first. Medium is the
// bucket recorded as a record's primary thumbnail.
var Buckets = []Bucket{
	{store.BucketSmall, 150},
	{store.BucketMedium, 250},
	{store.BucketLarge, 400},
}

// Extensions the encoder can write directly. Sources in any other format
// get .jpg thumbnails.
var encodableExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
	".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

const jpegQuality = 85

// Options controls a regeneration pass.
type Options struct {
	// Force regenerates thumbnails even when all destinations exist.
	Force bool
	// Workers bounds parallel encoding. Must be >= 1.
	Workers int
	// OnStatus, when set, receives one event per completed job. Events are
	// delivered serially from the collecting goroutine.
	OnStatus func(Event)
}

// Event reports the outcome of a single thumbnail job.
type Event struct {
	Filename string
	Err      error
}

// Failure records one file whose thumbnails could not be generated.
type Failure struct {
	Filename string
	Err      error
}

func (f Failure) Error() string {
	return fmt.Sprintf("thumbnail generation failed for %s: %v", f.Filename, f.Err)
}

// Result summarizes a regeneration pass.
type Result struct {
	// Processed lists every filename with a resolvable source image.
	Processed []string
	// Failures lists files whose jobs failed. Sibling jobs are unaffected.
	Failures []Failure
	// Updated reports whether any record's thumbnail fields changed, so the
	// caller knows whether the store needs a save.
	Updated bool
}

type job struct {
	index    int
	filename string
	source   string
	dests    map[string]string // bucket -> absolute destination
}

// ThumbName returns the thumbnail filename for a source filename. The
// extension is kept when the encoder supports it, otherwise swapped to .jpg.
func ThumbName(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if encodableExts[ext] {
		return filename
	}
	return strings.TrimSuffix(filename, filepath.Ext(filename)) + ".jpg"
}

// RelPath returns the store-relative path of a bucket's thumbnail for a
// source filename. Metadata paths always use forward slashes.
func RelPath(bucket, filename string) string {
	return store.ThumbsDirName + "/" + bucket + "/" + ThumbName(filename)
}

// Ensure materializes thumbnails for every record with an existing source
// image under root and rewrites each touched record's thumbnail fields.
// One file's failure is recorded without aborting sibling jobs.
func Ensure(root string, records []store.Record, opts Options) (*Result, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWorkers, opts.Workers)
	}

	for _, bucket := range Buckets {
		if err := os.MkdirAll(store.ThumbsDir(root, bucket.Name), 0755); err != nil {
			return nil, fmt.Errorf("failed to create thumbnail directory: %w", err)
		}
	}

	result := &Result{}
	imagesDir := store.ImagesDir(root)
	var jobs []job

	for i := range records {
		filename := records[i].Filename
		if filename == "" {
			continue
		}
		source := filepath.Join(imagesDir, filename)
		if info, err := os.Stat(source); err != nil || info.IsDir() {
			continue
		}
		result.Processed = append(result.Processed, filename)

		dests := make(map[string]string, len(Buckets))
		missing := false
		for _, bucket := range Buckets {
			dest := filepath.Join(store.ThumbsDir(root, bucket.Name), ThumbName(filename))
			dests[bucket.Name] = dest
			if _, err := os.Stat(dest); err != nil {
				missing = true
			}
		}

		if opts.Force || missing {
			jobs = append(jobs, job{index: i, filename: filename, source: source, dests: dests})
		}

		if updateRecord(&records[i]) {
			result.Updated = true
		}
	}

	if len(jobs) == 0 {
		return result, nil
	}

	failed := run(jobs, opts)
	for i := range records {
		if err, ok := failed[records[i].Filename]; ok {
			result.Failures = append(result.Failures, Failure{Filename: records[i].Filename, Err: err})
		}
	}
	return result, nil
}

// updateRecord rewrites a record's thumbnail fields to the computed
// relative paths. Returns true when anything changed.
func updateRecord(rec *store.Record) bool {
	changed := false

	medium := RelPath(store.BucketMedium, rec.Filename)
	if rec.Thumbnail != medium {
		rec.Thumbnail = medium
		changed = true
	}

	paths := make(map[string]string, len(Buckets))
	for _, bucket := range Buckets {
		paths[bucket.Name] = RelPath(bucket.Name, rec.Filename)
	}
	for name, rel := range paths {
		if rec.Thumbnails[name] != rel {
			rec.Thumbnails = paths
			changed = true
			break
		}
	}
	return changed
}

// run executes jobs with bounded parallelism. One worker, or a single job,
// runs inline; otherwise workers pull from a shared channel so new jobs
// start as slots free up. Returns per-filename errors.
func run(jobs []job, opts Options) map[string]error {
	workers := opts.Workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	if workers == 1 {
		failed := make(map[string]error)
		for _, j := range jobs {
			err := generate(j)
			if err != nil {
				failed[j.filename] = err
			}
			if opts.OnStatus != nil {
				opts.OnStatus(Event{Filename: j.filename, Err: err})
			}
		}
		return failed
	}

	jobCh := make(chan job)
	events := make(chan Event, len(jobs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				events <- Event{Filename: j.filename, Err: generate(j)}
			}
		}()
	}

	go func() {
		for _, j := range jobs {
			jobCh <- j
		}
		close(jobCh)
		wg.Wait()
		close(events)
	}()

	failed := make(map[string]error)
	for event := range events {
		if event.Err != nil {
			failed[event.Filename] = event.Err
			slog.Warn("thumbnail generation failed", "file", event.Filename, "error", event.Err)
		}
		if opts.OnStatus != nil {
			opts.OnStatus(event)
		}
	}
	return failed
}

// generate decodes the source once and writes every bucket's rendition.
// EXIF orientation is applied before resizing so thumbnails match how the
// source displays.
func generate(j job) error {
	img, err := imaging.Open(j.source, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", j.source, err)
	}

	for _, bucket := range Buckets {
		thumb := imaging.Fit(img, bucket.Size, bucket.Size, imaging.Lanczos)
		dest := j.dests[bucket.Name]
		if err := imaging.Save(thumb, dest, imaging.JPEGQuality(jpegQuality)); err != nil {
			return fmt.Errorf("failed to save %s: %w", dest, err)
		}
	}
	return nil
}
