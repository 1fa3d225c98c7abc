package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/specflow/internal/specs"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

var intakeExtensions = map[string]bool{".txt": true, ".md": true}

// IntakeAgent loads the .txt and .md files of data.input_folder into
// data.loaded_files.
type IntakeAgent struct{}

func (a *IntakeAgent) Execute(_ context.Context, wc *workflow.Context) error {
	folder := wc.GetString(specs.KeyInputFolder)
	info, err := os.Stat(folder)
	if err != nil {
		return fmt.Errorf("input folder does not exist: %s: %w", folder, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("input folder is not a directory: %s", folder)
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("reading input folder: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	loaded := make([]any, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !intakeExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		content, err := os.ReadFile(filepath.Join(folder, entry.Name()))
		if err != nil {
			return fmt.Errorf("reading %s: %w", entry.Name(), err)
		}
		loaded = append(loaded, map[string]any{
			"filename": entry.Name(),
			"content":  string(content),
			"size":     len(content),
		})
		wc.AddTrace(workflow.TraceEntry{
			Type:   "file_read",
			Agent:  IntakeID,
			Detail: map[string]any{"file": entry.Name(), "size": len(content)},
		})
	}

	wc.Set(specs.KeyLoadedFiles, loaded)
	return nil
}
