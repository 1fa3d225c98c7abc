package specs

import (
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// Data and config keys used by the built-in extraction pipeline.
const (
	KeyInputFolder    = "input_folder"
	KeyOutputFolder   = "output_folder"
	KeyLoadedFiles    = "loaded_files"
	KeyExtractedItems = "extracted_items"
	KeyWrittenFiles   = "written_files"
	ConfigAPIKey      = "api_key"
)

// RegisterBuiltins registers the specs of the file extraction pipeline.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]func(workflow.View) Verdict{
		"intake_pre":        intakePre,
		"intake_post":       intakePost,
		"extract_pre":       extractPre,
		"extract_post":      extractPost,
		"write_pre":         writePre,
		"write_post":        writePost,
		"global_invariant":  globalInvariant,
		"pipeline_progress": pipelineProgress,
	}
	for id, fn := range builtins {
		if err := r.RegisterFunc(id, fn); err != nil {
			return err
		}
	}
	return nil
}

func intakePre(v workflow.View) Verdict {
	folder := v.GetString(KeyInputFolder)
	if folder == "" {
		return Fail("input_folder is not set", "Set input_folder to a directory of .txt or .md files", "pre", "intake")
	}
	return Pass("input_folder is set: "+folder, "pre", "intake")
}

func intakePost(v workflow.View) Verdict {
	n := listLen(v, KeyLoadedFiles)
	if n == 0 {
		return Fail("No files were loaded", "Ensure input_folder contains .txt or .md files", "post", "intake")
	}
	return Pass(fmt.Sprintf("%d file(s) loaded", n), "post", "intake")
}

func extractPre(v workflow.View) Verdict {
	n := listLen(v, KeyLoadedFiles)
	if n == 0 {
		return Fail("No loaded_files in context", "Run the intake step first to load files", "pre", "extract")
	}
	if v.ConfigString(ConfigAPIKey) == "" {
		return Fail("api_key is not configured", "Set llm.api_key or SPECFLOW_LLM_API_KEY", "pre", "extract", "config")
	}
	return Pass(fmt.Sprintf("%d file(s) ready, API key configured", n), "pre", "extract")
}

func extractPost(v workflow.View) Verdict {
	raw, _ := v.Get(KeyExtractedItems)
	items := asMaps(raw)
	if len(items) == 0 {
		return Fail("No items were extracted", "Check the LLM response format or the input file content", "post", "extract")
	}
	var missing []string
	for i, item := range items {
		if title, _ := item["title"].(string); title == "" {
			missing = append(missing, strconv.Itoa(i))
		}
	}
	if len(missing) > 0 {
		return Fail(fmt.Sprintf("Items at indices %v have no title", missing),
			"Ensure the prompt requires a title for each item", "post", "extract", "schema")
	}
	return Pass(fmt.Sprintf("%d item(s) extracted, all with titles", len(items)), "post", "extract")
}

func writePre(v workflow.View) Verdict {
	n := listLen(v, KeyExtractedItems)
	if n == 0 {
		return Fail("No extracted_items to write", "Run the extract step first", "pre", "write")
	}
	folder := v.GetString(KeyOutputFolder)
	if folder == "" {
		return Fail("output_folder is not set", "Set output_folder to a writable directory", "pre", "write")
	}
	return Pass(fmt.Sprintf("%d item(s) ready, output_folder set: %s", n, folder), "pre", "write")
}

func writePost(v workflow.View) Verdict {
	n := listLen(v, KeyWrittenFiles)
	if n == 0 {
		return Fail("No files were written", "Check output_folder permissions and disk space", "post", "write")
	}
	return Pass(fmt.Sprintf("%d file(s) written", n), "post", "write")
}

func globalInvariant(v workflow.View) Verdict {
	id := v.RunID()
	if id == "" {
		return Fail("run_id is missing from context", "The context was not initialized by the orchestrator", "invariant")
	}
	if len(id) > 8 {
		id = id[:8] + "..."
	}
	return Pass("run_id="+id, "invariant")
}

// pipelineProgress never fails; it reports how far the pipeline has got.
func pipelineProgress(v workflow.View) Verdict {
	score := 0
	if listLen(v, KeyLoadedFiles) > 0 {
		score += 33
	}
	if listLen(v, KeyExtractedItems) > 0 {
		score += 33
	}
	if listLen(v, KeyWrittenFiles) > 0 {
		score += 34
	}
	return Pass(fmt.Sprintf("Progress: %d%%", score), "progress")
}

func listLen(v workflow.View, key string) int {
	raw, ok := v.Get(key)
	if !ok {
		return 0
	}
	n, _ := workflow.Len(raw)
	return n
}

// asMaps accepts the list shapes agents and JSON decoding produce.
func asMaps(raw any) []map[string]any {
	switch list := raw.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, el := range list {
			m, _ := el.(map[string]any)
			out = append(out, m)
		}
		return out
	default:
		return nil
	}
}
