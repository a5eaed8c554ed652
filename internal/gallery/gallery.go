// Package gallery is the boundary to the presentation layer. The core only
// guarantees that the persisted store is fully consistent before a renderer
// runs; page generation itself lives outside this module.
package gallery

import (
	"log/slog"
	"sort"

	"github.com/vonshlovens/picarchive/internal/store"
)

// Renderer rebuilds the browsable gallery from the persisted metadata. It
// is invoked after every sync run, even when nothing new was downloaded, so
// presentation stays in step with tagging side effects.
type Renderer interface {
	Render(root string, records []store.Record) error
}

// RenderFunc adapts a function to the Renderer interface.
type RenderFunc func(root string, records []store.Record) error

func (f RenderFunc) Render(root string, records []store.Record) error {
	return f(root, records)
}

// SortByNewest orders records newest-first for presentation.
func SortByNewest(records []store.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})
}

// Noop returns a renderer that only logs. Used when no external renderer is
// wired in.
func Noop() Renderer {
	return RenderFunc(func(root string, records []store.Record) error {
		slog.Info("gallery render requested", "root", root, "records", len(records))
		return nil
	})
}
