package gallery

import (
	"testing"

	"github.com/vonshlovens/picarchive/internal/store"
)

func TestSortByNewest(t *testing.T) {
	records := []store.Record{
		{ID: "old", CreatedAt: 10},
		{ID: "new", CreatedAt: 30},
		{ID: "mid", CreatedAt: 20},
		{ID: "unknown", CreatedAt: 0},
	}

	SortByNewest(records)

	want := []string{"new", "mid", "old", "unknown"}
	for i, id := range want {
		if records[i].ID != id {
			t.Errorf("position %d = %s, want %s", i, records[i].ID, id)
		}
	}
}

func TestRenderFunc(t *testing.T) {
	var gotRoot string
	var gotCount int
	r := RenderFunc(func(root string, records []store.Record) error {
		gotRoot = root
		gotCount = len(records)
		return nil
	})

	if err := r.Render("gallery", make([]store.Record, 3)); err != nil {
		t.Fatal(err)
	}
	if gotRoot != "gallery" || gotCount != 3 {
		t.Errorf("render saw root=%q count=%d", gotRoot, gotCount)
	}
}
