// Package tagger is the AI collaborator: it sends image payloads to a
// vision model and turns the answers into tag lists or filename
// suggestions. Every failure degrades to "no suggestion" so callers keep
// their deterministic behavior.
package tagger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/picarchive/internal/config"
	"github.com/vonshlovens/picarchive/internal/store"
)

// ErrNoAPIKey reports missing tagging credentials.
var ErrNoAPIKey = errors.New("tagging requires an API key (set tagging.api_key)")

// Tagger generates tags and filename suggestions for archived images.
type Tagger struct {
	client       *openai.Client
	model        string
	prompt       string
	renamePrompt string
	workers      int
}

// New creates a Tagger from config. Fails when no API key is configured.
func New(cfg config.TaggingConfig) (*Tagger, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 4
	}
	return &Tagger{
		client:       openai.NewClient(cfg.APIKey),
		model:        cfg.Model,
		prompt:       cfg.Prompt,
		renamePrompt: cfg.RenamePrompt,
		workers:      workers,
	}, nil
}

// TagRecords generates tags for records in place. With a non-nil ids set,
// only those records are tagged (re-tagging them even when tags exist);
// with a nil set, only untagged records are visited unless reTag is true.
// Individual failures are logged and skipped. Returns the number of
// records whose tags were updated.
func (t *Tagger) TagRecords(ctx context.Context, root string, records []store.Record, ids map[string]struct{}, reTag bool) (int, error) {
	var indices []int
	for i := range records {
		if ids != nil {
			if _, ok := ids[records[i].ID]; !ok {
				continue
			}
		} else if !reTag && len(records[i].Tags) > 0 {
			continue
		}
		indices = append(indices, i)
	}
	if len(indices) == 0 {
		return 0, nil
	}

	slog.Info("tagging images", "count", len(indices))

	var updated, totalTokens atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(t.workers)

	for _, i := range indices {
		g.Go(func() error {
			rec := &records[i]
			imagePath := filepath.Join(store.ImagesDir(root), rec.Filename)
			tags, tokens, err := t.generateTags(ctx, imagePath)
			if err != nil {
				slog.Warn("tagging failed", "id", rec.ID, "error", err)
				return nil
			}
			rec.Tags = tags
			updated.Add(1)
			totalTokens.Add(int64(tokens))
			slog.Debug("received tags", "id", rec.ID, "tags", len(tags), "tokens", tokens)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(updated.Load()), err
	}

	if tokens := totalTokens.Load(); tokens > 0 {
		slog.Info("tagging finished", "updated", updated.Load(), "tokens", tokens)
	}
	return int(updated.Load()), nil
}

// RemoveTags clears tags for the given ids, or for every record when all is
// set. Returns the number of records changed.
func RemoveTags(records []store.Record, ids map[string]struct{}, all bool) int {
	updated := 0
	for i := range records {
		if !all {
			if _, ok := ids[records[i].ID]; !ok {
				continue
			}
		}
		if len(records[i].Tags) == 0 {
			continue
		}
		records[i].Tags = []string{}
		updated++
	}
	return updated
}

// SuggestName asks the model for a short descriptive filename for the
// image. Returns the raw suggestion; the caller slugifies it.
func (t *Tagger) SuggestName(ctx context.Context, imagePath string) (string, error) {
	text, _, err := t.ask(ctx, t.renamePrompt, imagePath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (t *Tagger) generateTags(ctx context.Context, imagePath string) ([]string, int, error) {
	text, tokens, err := t.ask(ctx, t.prompt, imagePath)
	if err != nil {
		return nil, 0, err
	}
	return ParseTagList(text), tokens, nil
}

// ask sends one prompt-plus-image request and returns the model's text.
func (t *Tagger) ask(ctx context.Context, prompt, imagePath string) (string, int, error) {
	dataURL, err := encodeImage(imagePath)
	if err != nil {
		return "", 0, err
	}

	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURL},
					},
				},
			},
		},
	})
	if err != nil {
		return "", 0, fmt.Errorf("model request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, errors.New("model returned no choices")
	}
	return resp.Choices[0].Message.Content, resp.Usage.TotalTokens, nil
}

// encodeImage reads the file and wraps it in a data URL for the vision API.
func encodeImage(imagePath string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(imagePath)))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// ParseTagList splits a model answer into clean tags. Newlines count as
// separators alongside commas.
func ParseTagList(text string) []string {
	parts := strings.Split(strings.ReplaceAll(text, "\n", ","), ",")
	tags := make([]string, 0, len(parts))
	for _, part := range parts {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
