package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/specflow/internal/specs"
	"github.com/fyrsmithlabs/specflow/internal/workflow"
)

// Run config keys read by the extract agent.
const (
	ConfigModel       = "model"
	ConfigTemperature = "temperature"
	ConfigBaseURL     = "base_url"
)

const (
	defaultModel       = "gpt-4o"
	defaultTemperature = 0.3
)

// ExtractAgent asks an LLM to extract structured items from every loaded
// file and stores them in data.extracted_items.
type ExtractAgent struct {
	model   llms.Model
	limiter *rate.Limiter
	timeout time.Duration
	now     func() time.Time
}

// ExtractOption configures an ExtractAgent.
type ExtractOption func(*ExtractAgent)

// WithModel uses m for every call instead of building an OpenAI client from
// the run config.
func WithModel(m llms.Model) ExtractOption {
	return func(a *ExtractAgent) { a.model = m }
}

// WithRequestsPerMinute limits LLM calls. Zero or less disables limiting.
func WithRequestsPerMinute(n int) ExtractOption {
	return func(a *ExtractAgent) {
		if n <= 0 {
			a.limiter = nil
			return
		}
		a.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// WithCallTimeout bounds each LLM call. Zero disables the bound.
func WithCallTimeout(d time.Duration) ExtractOption {
	return func(a *ExtractAgent) { a.timeout = d }
}

// NewExtractAgent creates an extract agent.
func NewExtractAgent(opts ...ExtractOption) *ExtractAgent {
	a := &ExtractAgent{now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *ExtractAgent) Execute(ctx context.Context, wc *workflow.Context) error {
	modelName := wc.ConfigString(ConfigModel)
	if modelName == "" {
		modelName = defaultModel
	}
	temperature := defaultTemperature
	if raw, ok := wc.Config(ConfigTemperature); ok {
		if f, ok := toFloat(raw); ok {
			temperature = f
		}
	}

	model, err := a.modelFor(wc, modelName)
	if err != nil {
		return err
	}

	raw, _ := wc.Get(specs.KeyLoadedFiles)
	files := asMapList(raw)
	hint := extractRetryHint(lastFailureMessages(wc))

	items := make([]any, 0)
	for _, file := range files {
		filename, _ := file["filename"].(string)
		content, _ := file["content"].(string)

		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}

		prompt := extractUserPrompt(filename, content) + hint
		start := a.now()
		resp, err := a.generate(ctx, model, []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, extractSystemPrompt),
			llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		}, llms.WithModel(modelName), llms.WithTemperature(temperature))
		if err != nil {
			return fmt.Errorf("llm call for %s: %w", filename, err)
		}

		text, tokens := "", 0
		if len(resp.Choices) > 0 {
			text = resp.Choices[0].Content
			tokens = totalTokens(resp.Choices[0].GenerationInfo)
		}
		if strings.TrimSpace(text) == "" {
			text = "[]"
		}

		wc.AddTrace(workflow.TraceEntry{
			Type:  "llm_call",
			Agent: ExtractID,
			Detail: map[string]any{
				"model":            modelName,
				"file":             filename,
				"tokens":           tokens,
				"duration_ms":      a.now().Sub(start).Milliseconds(),
				"prompt_preview":   preview(prompt, 200),
				"response_preview": preview(text, 500),
			},
		})

		items = append(items, parseItems(text, filename)...)
	}

	wc.Set(specs.KeyExtractedItems, items)
	return nil
}

func (a *ExtractAgent) generate(ctx context.Context, model llms.Model, msgs []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	return model.GenerateContent(ctx, msgs, opts...)
}

func (a *ExtractAgent) modelFor(wc *workflow.Context, modelName string) (llms.Model, error) {
	if a.model != nil {
		return a.model, nil
	}
	apiKey := wc.ConfigString(specs.ConfigAPIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("api_key is not configured")
	}
	opts := []openai.Option{
		openai.WithToken(apiKey),
		openai.WithModel(modelName),
	}
	if baseURL := wc.ConfigString(ConfigBaseURL); baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return llm, nil
}

// parseItems decodes a JSON array (or single object) of items, tolerating a
// surrounding markdown code fence. Unparseable output yields no items.
func parseItems(raw, sourceFile string) []any {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		var kept []string
		for _, line := range strings.Split(cleaned, "\n") {
			if !strings.HasPrefix(strings.TrimSpace(line), "```") {
				kept = append(kept, line)
			}
		}
		cleaned = strings.Join(kept, "\n")
	}

	var decoded any
	if err := json.Unmarshal([]byte(cleaned), &decoded); err != nil {
		return nil
	}
	list, ok := decoded.([]any)
	if !ok {
		list = []any{decoded}
	}

	items := make([]any, 0, len(list))
	for _, el := range list {
		item, ok := el.(map[string]any)
		if !ok {
			continue
		}
		item["source_file"] = sourceFile
		items = append(items, item)
	}
	return items
}

func totalTokens(info map[string]any) int {
	for _, key := range []string{"TotalTokens", "total_tokens"} {
		if f, ok := toFloat(info[key]); ok {
			return int(f)
		}
	}
	return 0
}

func lastFailureMessages(wc *workflow.Context) []string {
	raw, ok := wc.Get(workflow.RetryKey)
	if !ok {
		return nil
	}
	m, _ := raw.(map[string]any)
	switch msgs := m["messages"].(type) {
	case []string:
		return msgs
	case []any:
		out := make([]string, 0, len(msgs))
		for _, v := range msgs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asMapList(raw any) []map[string]any {
	switch list := raw.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, el := range list {
			if m, ok := el.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
