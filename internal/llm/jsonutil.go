package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/Iron-Ham/ragents/internal/errors"
)

var (
	fencedJSON    = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON returns the JSON object embedded in a model reply. It accepts
// fenced code blocks, leading or trailing prose and trailing commas.
// The result is empty if no object is present.
func ExtractJSON(content string) string {
	candidate := content
	if m := fencedJSON.FindStringSubmatch(content); len(m) > 1 {
		candidate = m[1]
	}
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 || end <= start {
		return ""
	}
	return trailingComma.ReplaceAllString(candidate[start:end+1], "$1")
}

// DecodeJSON extracts and decodes the JSON object in content into v.
func DecodeJSON(content string, v any) error {
	raw := ExtractJSON(content)
	if raw == "" {
		return errors.NewValidationError("model reply contains no JSON object")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return errors.NewValidationError("model reply is not valid JSON").WithCause(err)
	}
	return nil
}
