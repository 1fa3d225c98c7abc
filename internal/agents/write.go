package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/specflow/internal/sanitize"
	"github.com/fyrsmithlabs/specflow/internal/specs"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// SummaryFile is the name of the JSON summary the write agent produces.
const SummaryFile = "extraction_results.json"

// WriteAgent writes data.extracted_items into data.output_folder: one JSON
// summary plus one markdown note per item under items/.
type WriteAgent struct{}

func (a *WriteAgent) Execute(_ context.Context, wc *workflow.Context) error {
	folder := wc.GetString(specs.KeyOutputFolder)
	if folder == "" {
		return fmt.Errorf("output folder is not set")
	}
	itemsDir := filepath.Join(folder, "items")
	if err := os.MkdirAll(itemsDir, 0o755); err != nil {
		return fmt.Errorf("creating output folder: %w", err)
	}

	raw, _ := wc.Get(specs.KeyExtractedItems)
	items := asMapList(raw)
	written := make([]any, 0, len(items)+1)

	summary, err := json.MarshalIndent(map[string]any{
		"run_id":      wc.RunID(),
		"total_items": len(items),
		"items":       items,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	summaryPath := filepath.Join(folder, SummaryFile)
	if err := os.WriteFile(summaryPath, summary, 0o644); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}
	written = append(written, summaryPath)
	wc.AddTrace(workflow.TraceEntry{
		Type:   "file_write",
		Agent:  WriteID,
		Detail: map[string]any{"file": SummaryFile, "size": len(summary)},
	})

	for _, item := range items {
		title, _ := item["title"].(string)
		if title == "" {
			title = "untitled"
		}
		path, err := sanitize.ValidatePath(filepath.Join(itemsDir, sanitize.Filename(title)+".md"), itemsDir)
		if err != nil {
			return err
		}
		md := renderMarkdown(item)
		if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
		}
		written = append(written, path)
		wc.AddTrace(workflow.TraceEntry{
			Type:   "file_write",
			Agent:  WriteID,
			Detail: map[string]any{"file": filepath.Base(path), "size": len(md)},
		})
	}

	wc.Set(specs.KeyWrittenFiles, written)
	return nil
}

func renderMarkdown(item map[string]any) string {
	str := func(key, fallback string) string {
		if s, ok := item[key].(string); ok && s != "" {
			return s
		}
		return fallback
	}
	confidence, _ := toFloat(item["confidence"])

	lines := []string{
		"# " + str("title", "Untitled"),
		"",
		"**Type:** " + str("item_type", "note"),
		fmt.Sprintf("**Confidence:** %.0f%%", confidence*100),
		"**Source:** " + str("source_file", "unknown"),
	}
	if tags := stringList(item["tags"]); len(tags) > 0 {
		lines = append(lines, "**Tags:** "+strings.Join(tags, ", "))
	}
	lines = append(lines, "", "## Description", "", str("description", "No description."), "")
	return strings.Join(lines, "\n")
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, el := range list {
			out = append(out, fmt.Sprint(el))
		}
		return out
	}
	return nil
}
