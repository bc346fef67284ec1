// Package prompt holds the per-task template library. Templates are pure
// functions of (task, fields) with no runtime mutation; each declares its
// required fields, output format, and length target.
package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Format describes the output contract a template imposes on the model.
type Format string

const (
	FormatPlainText Format = "plain_text"
	FormatMarkers   Format = "structured_markers"
	FormatHTML      Format = "html_fragment"
)

// Fields carries the structured inputs of one build. Well-known keys:
// "title", "context" (the assembled grounding block), "free_text", plus
// task-specific keys declared by each template.
type Fields map[string]string

// ErrUnknownTask is returned for task ids without a registered template.
var ErrUnknownTask = errors.New("unknown task type")

// MissingFieldError reports a required field absent from the build input.
type MissingFieldError struct {
	Task  string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("task %s requires field %q", e.Task, e.Field)
}

// Template is one entry of the library.
type Template struct {
	Task         string
	Required     []string
	Optional     []string
	Format       Format
	LengthTarget string

	system func(Fields) string
	user   func(Fields) string
}

// Build validates required fields and renders the prompt pair for a task.
func Build(task string, f Fields) (systemPrompt, userPrompt string, err error) {
	tpl, ok := registry[task]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	if f == nil {
		f = Fields{}
	}
	for _, field := range tpl.Required {
		if strings.TrimSpace(f[field]) == "" {
			return "", "", &MissingFieldError{Task: task, Field: field}
		}
	}
	return tpl.system(f), tpl.user(f), nil
}

// Lookup exposes a template's declaration for validation and docs.
func Lookup(task string) (*Template, bool) {
	tpl, ok := registry[task]
	return tpl, ok
}

// Tasks lists all registered task ids, sorted.
func Tasks() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// antiFabricationContract is embedded in every fact-sensitive system prompt.
// Its behavior is covered by tests, it is not prose flavor.
const antiFabricationContract = "Ground every statement in the REAL DATA block of the user message. " +
	"Never invent named people, statistics, events, or listings. " +
	"If a section of the data shows a count of zero or says none, state that plainly or say nothing about it; do not fill the gap. " +
	"Prefer a shorter truthful output over a longer fabricated one."

// grounded appends the grounding block (when present) to a user prompt.
func grounded(f Fields, body string) string {
	ctx := f["context"]
	if ctx == "" {
		return body
	}
	return body + "\n\n" + ctx
}

// fold appends every provided optional field as a labeled line so that no
// provided field goes unused in the rendered prompt.
func fold(f Fields, keys ...string) string {
	var b strings.Builder
	for _, k := range keys {
		if v := strings.TrimSpace(f[k]); v != "" {
			fmt.Fprintf(&b, "\n%s: %s", labelFor(k), v)
		}
	}
	return b.String()
}

func labelFor(key string) string {
	parts := strings.Split(key, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
