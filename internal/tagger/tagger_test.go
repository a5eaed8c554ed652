package tagger

import (
	"reflect"
	"testing"

	"github.com/vonshlovens/picarchive/internal/config"
	"github.com/vonshlovens/picarchive/internal/store"
)

func TestParseTagList(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"comma separated", "sunset, beach, golden hour", []string{"sunset", "beach", "golden hour"}},
		{"newlines", "sunset\nbeach\ngolden hour", []string{"sunset", "beach", "golden hour"}},
		{"mixed with blanks", "sunset, ,\n, beach", []string{"sunset", "beach"}},
		{"empty", "  \n ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTagList(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseTagList(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(config.TaggingConfig{Model: "gpt-4.1-mini"})
	if err != ErrNoAPIKey {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
}

func TestRemoveTags_ByID(t *testing.T) {
	records := []store.Record{
		{ID: "1", Tags: []string{"a"}},
		{ID: "2", Tags: []string{"b"}},
		{ID: "3"},
	}

	updated := RemoveTags(records, map[string]struct{}{"1": {}, "3": {}}, false)
	if updated != 1 {
		t.Errorf("updated = %d, want 1", updated)
	}
	if len(records[0].Tags) != 0 {
		t.Errorf("record 1 tags not cleared: %v", records[0].Tags)
	}
	if len(records[1].Tags) != 1 {
		t.Errorf("record 2 tags should be untouched: %v", records[1].Tags)
	}
}

func TestRemoveTags_All(t *testing.T) {
	records := []store.Record{
		{ID: "1", Tags: []string{"a"}},
		{ID: "2", Tags: []string{"b", "c"}},
	}

	if updated := RemoveTags(records, nil, true); updated != 2 {
		t.Errorf("updated = %d, want 2", updated)
	}
	for _, rec := range records {
		if len(rec.Tags) != 0 {
			t.Errorf("record %s tags not cleared: %v", rec.ID, rec.Tags)
		}
	}
}
