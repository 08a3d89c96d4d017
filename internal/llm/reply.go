package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"
)

// ErrNoJSON is returned when a reply holds no JSON object.
var ErrNoJSON = errors.New("reply contains no JSON object")

// ReplySchema validates structured model replies.
type ReplySchema struct {
	schema *jsonschema.Schema
}

// MustCompileSchema compiles a JSON schema document, panicking on error.
// Intended for package-level schema literals.
func MustCompileSchema(doc string) *ReplySchema {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(doc))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return &ReplySchema{schema: schema}
}

// Decode extracts the JSON object from a model reply, validates it and
// unmarshals it into v.
func (s *ReplySchema) Decode(reply string, v any) error {
	data, err := ExtractJSON(reply)
	if err != nil {
		return err
	}
	result := s.schema.ValidateJSON(data)
	if !result.IsValid() {
		return fmt.Errorf("schema validation failed: %v", result.Errors)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}
	return nil
}

// ExtractJSON strips Markdown code fences and returns the outermost JSON
// object found in the text.
func ExtractJSON(reply string) ([]byte, error) {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		}
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, ErrNoJSON
	}
	data := []byte(s[start : end+1])
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: malformed object", ErrNoJSON)
	}
	return data, nil
}
