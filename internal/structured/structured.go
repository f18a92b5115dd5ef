// Package structured извлекает JSON из ответа модели и проверяет его по JSON Schema.
package structured

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"story-pipeline/internal/retry"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Имена встроенных схем.
const (
	SchemaStory   = "story"
	SchemaSafety  = "safety"
	SchemaValues  = "values"
	SchemaQuality = "quality"
	SchemaBrief   = "brief"
)

// ValidationError - ответ не содержит JSON или не прошел схему.
// Unwrap возвращает retry.ErrMalformedOutput, поэтому вызов повторяется.
type ValidationError struct {
	Schema  string
	Message string
	Raw     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Schema, e.Message)
}

func (e *ValidationError) Unwrap() error { return retry.ErrMalformedOutput }

// Validator проверяет ответы по одной схеме.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Load компилирует встроенную схему по имени.
func Load(name string) (*Validator, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q: %w", name, err)
	}
	return New(name, raw)
}

// MustLoad - как Load, но паникует. Схемы встроены в бинарник,
// поэтому ошибка здесь означает ошибку сборки.
func MustLoad(name string) *Validator {
	v, err := Load(name)
	if err != nil {
		panic(err)
	}
	return v
}

// New компилирует произвольную схему.
func New(name string, schemaJSON []byte) (*Validator, error) {
	// jsonschema.UnmarshalJSON сохраняет числа как json.Number, это нужно валидатору
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	url := name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: schema}, nil
}

// Decode находит JSON в тексте, проверяет его по схеме и раскладывает в v.
func (v *Validator) Decode(text string, out any) error {
	jsonStr := ExtractJSON(text)
	if jsonStr == "" {
		return &ValidationError{Schema: v.name, Message: "response does not contain JSON", Raw: text}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return &ValidationError{Schema: v.name, Message: fmt.Sprintf("invalid JSON: %s", err), Raw: text}
	}
	if err := v.schema.Validate(parsed); err != nil {
		return &ValidationError{Schema: v.name, Message: fmt.Sprintf("schema validation failed: %s", err), Raw: text}
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return &ValidationError{Schema: v.name, Message: fmt.Sprintf("decode: %s", err), Raw: text}
	}
	return nil
}

// ExtractJSON ищет JSON-объект в ответе: сначала в блоке ```json, затем
// в любом блоке ```, затем первый сбалансированный объект в тексте.
func ExtractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := extractBalanced(text[i:]); candidate != "" && json.Valid([]byte(candidate)) {
			return candidate
		}
	}
	return ""
}

// extractBalanced возвращает объект от первой '{' до парной '}' с учетом строк.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
