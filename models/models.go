// Package models holds the static model selection table and the
// task-specific request parameters.
package models

import (
	"strings"

	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/relay/llm"
)

// Task is the kind of work a request performs.
type Task string

const (
	TaskGeneral       Task = "general"
	TaskCoding        Task = "coding"
	TaskReasoning     Task = "reasoning"
	TaskCreative      Task = "creative"
	TaskSummarization Task = "summarization"
	TaskTranslation   Task = "translation"
)

// Priority is what selection optimises for.
type Priority string

const (
	PriorityQuality  Priority = "quality"
	PrioritySpeed    Priority = "speed"
	PriorityCost     Priority = "cost"
	PriorityBalanced Priority = "balanced"
)

// Budget limits spend when optimising for cost.
type Budget string

const (
	BudgetFree   Budget = "free"
	BudgetLow    Budget = "low"
	BudgetMedium Budget = "medium"
	BudgetHigh   Budget = "high"
)

// OnlineSuffix selects a model variant with web search.
const OnlineSuffix = ":online"

// Requirements describe what a request needs from a model. Zero values mean
// general task, quality priority, medium budget.
type Requirements struct {
	Task             Task     `yaml:"task"`
	Priority         Priority `yaml:"priority"`
	Budget           Budget   `yaml:"budget"`
	NeedsCurrentInfo bool     `yaml:"needs_current_info"`
	LargeContext     bool     `yaml:"large_context"`
}

func (r Requirements) withDefaults() Requirements {
	if r.Task == "" {
		r.Task = TaskGeneral
	}
	if r.Priority == "" {
		r.Priority = PriorityQuality
	}
	if r.Budget == "" {
		r.Budget = BudgetMedium
	}
	return r
}

// SelectModel maps requirements to a model identifier.
func SelectModel(req Requirements) string {
	req = req.withDefaults()
	switch req.Priority {
	case PriorityQuality:
		switch req.Task {
		case TaskReasoning:
			return online("anthropic/claude-opus-4", req.NeedsCurrentInfo)
		case TaskCoding:
			if req.LargeContext {
				return "anthropic/claude-opus-4:extended"
			}
			return "anthropic/claude-3.5-sonnet"
		}
		return online("anthropic/claude-3.5-sonnet", req.NeedsCurrentInfo)
	case PrioritySpeed:
		if req.Task == TaskCoding {
			return "anthropic/claude-3.5-sonnet:nitro"
		}
		if req.NeedsCurrentInfo {
			return "google/gemini-2.0-flash:online:nitro"
		}
		return "google/gemini-2.0-flash:nitro"
	case PriorityCost:
		if req.Budget == BudgetFree {
			return "google/gemini-2.0-flash:free"
		}
		if req.Task == TaskCoding {
			return "qwen/qwen-2.5-coder-32b"
		}
		return "google/gemini-2.0-flash"
	}

	switch {
	case req.NeedsCurrentInfo:
		return "anthropic/claude-3.5-sonnet:online"
	case req.LargeContext:
		return "anthropic/claude-3.5-sonnet:extended"
	default:
		return "anthropic/claude-3.5-sonnet"
	}
}

func online(model string, needed bool) string {
	if needed {
		return model + OnlineSuffix
	}
	return model
}

var fallbacks = map[string][]string{
	"anthropic/claude-3.5-sonnet": {"openai/gpt-4o", "google/gemini-2.5-pro", "meta-llama/llama-3.1-70b:free"},
	"openai/gpt-4o":               {"anthropic/claude-3.5-sonnet", "google/gemini-2.5-pro"},
	"google/gemini-2.0-flash":     {"openai/gpt-4o-mini", "anthropic/claude-haiku-4"},
	"anthropic/claude-opus-4":     {"openai/o1", "anthropic/claude-3.5-sonnet"},
}

var defaultFallbacks = []string{"anthropic/claude-3.5-sonnet", "openai/gpt-4o", "google/gemini-2.0-flash"}

// FallbackModels returns the ordered fallback list for model. Unknown models
// get the default list. The primary itself is never included.
func FallbackModels(model string) []string {
	list, ok := fallbacks[model]
	if !ok {
		list = defaultFallbacks
	}
	return lo.Without(list, model)
}

// Chain returns model followed by its fallbacks.
func Chain(model string) []string {
	return append([]string{model}, FallbackModels(model)...)
}

// ProviderPreferences returns the provider routing preferences for a priority.
func ProviderPreferences(p Priority) *llm.ProviderPreferences {
	switch p {
	case PrioritySpeed:
		return &llm.ProviderPreferences{Order: []string{"google", "anthropic", "openai"}, AllowFallbacks: true, Sort: "latency"}
	case PriorityCost:
		return &llm.ProviderPreferences{Order: []string{"google", "meta-llama", "anthropic"}, AllowFallbacks: true, Sort: "price"}
	default:
		return &llm.ProviderPreferences{Order: []string{"anthropic", "openai", "google"}, AllowFallbacks: true}
	}
}

// taskParams holds the sampling defaults per task.
var taskParams = map[Task]struct {
	temperature float64
	maxTokens   int
}{
	TaskCoding:        {0.3, 1500},
	TaskCreative:      {1.0, 1000},
	TaskSummarization: {0.2, 500},
}

// BuildRequest builds a single-message request with the selected model, its
// fallbacks, provider preferences and task-specific sampling parameters.
func BuildRequest(message string, req Requirements) *llm.Request {
	req = req.withDefaults()
	primary := SelectModel(req)

	temperature, maxTokens := 0.6, 1000
	if p, ok := taskParams[req.Task]; ok {
		temperature, maxTokens = p.temperature, p.maxTokens
	}
	if req.LargeContext {
		maxTokens = 4000
	}

	model := primary
	if req.NeedsCurrentInfo && !strings.Contains(primary, OnlineSuffix) {
		model = primary + OnlineSuffix
	}

	return &llm.Request{
		Model:       model,
		Models:      FallbackModels(primary),
		Provider:    ProviderPreferences(req.Priority),
		Messages:    []llm.Message{llm.NewTextMessage(llm.RoleUser, message)},
		Temperature: &temperature,
		MaxTokens:   maxTokens,
	}
}
