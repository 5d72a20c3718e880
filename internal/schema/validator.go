// Package schema validates structured stage outputs against embedded
// JSON schemas and runs the bounded self-repair loop on failure.
package schema

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// RepairFunc asks the generation backend to repair an invalid output.
// It receives the stage name, the invalid text, and the validation error
// list, and returns the repaired raw text.
type RepairFunc func(ctx context.Context, stage, invalid string, errs []string) (string, error)

// Validator holds the compiled per-stage schemas.
type Validator struct {
	schemas  map[string]*jsonschema.Schema
	attempts int
	logger   *slog.Logger
}

// New compiles all embedded schemas. attempts bounds the repair loop.
func New(attempts int, logger *slog.Logger) (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("schema: read embedded schemas: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("schema: read %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema: add %s: %w", e.Name(), err)
		}
		names = append(names, name)
	}

	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("schema: compile %s: %w", name, err)
		}
		schemas[name] = s
	}

	if attempts < 0 {
		attempts = 0
	}
	return &Validator{schemas: schemas, attempts: attempts, logger: logger}, nil
}

// Has reports whether a schema exists for stage.
func (v *Validator) Has(stage string) bool {
	_, ok := v.schemas[stage]
	return ok
}

// Validate parses raw as JSON and validates it against the stage schema.
// Returns the canonical raw message and a (possibly empty) error list.
func (v *Validator) Validate(stage, raw string) (json.RawMessage, []string) {
	s, ok := v.schemas[stage]
	if !ok {
		return nil, []string{fmt.Sprintf("no schema registered for stage %q", stage)}
	}

	cleaned := ExtractJSON(raw)
	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, []string{fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := s.Validate(doc); err != nil {
		return nil, flatten(err)
	}
	return json.RawMessage(cleaned), nil
}

// EnsureValid validates raw, issuing up to the configured number of
// repair calls on failure. Each repair output is itself validated.
// Returns nil when all attempts fail; the calling stage must treat nil
// as a recoverable-to-fallback condition.
func (v *Validator) EnsureValid(ctx context.Context, stage, raw string, repair RepairFunc) json.RawMessage {
	out, errs := v.Validate(stage, raw)
	if errs == nil {
		return out
	}

	for attempt := 1; attempt <= v.attempts && repair != nil; attempt++ {
		v.logger.Debug("schema: output invalid, attempting repair",
			"stage", stage, "attempt", attempt, "errors", strings.Join(errs, "; "))

		repaired, err := repair(ctx, stage, raw, errs)
		if err != nil {
			v.logger.Warn("schema: repair invocation failed", "stage", stage, "error", err)
			return nil
		}
		raw = repaired
		out, errs = v.Validate(stage, raw)
		if errs == nil {
			return out
		}
	}

	v.logger.Warn("schema: validation exhausted", "stage", stage, "errors", strings.Join(errs, "; "))
	return nil
}

// ExtractJSON strips markdown code fences and any prose surrounding the
// outermost JSON object. Generation backends routinely wrap JSON despite
// instructions not to.
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

// flatten converts a jsonschema validation error into a flat message list.
func flatten(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
