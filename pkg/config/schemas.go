package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaRegistry manages CUE schemas for structural manifest validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	if err := sr.RegisterSchema("manifest", builtinManifestSchema); err != nil {
		panic(err)
	}
}

// RegisterSchema compiles and registers a CUE schema under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema unifies data with the named schema and requires the
// result to be concrete. data is encoded through JSON first so that named
// map types are accepted.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.CompileBytes(raw, cue.Filename(schemaName+".json"))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true), cue.Definitions(false)); err != nil {
		return fmt.Errorf("validation failed: %s", formatCUEError(err))
	}
	return nil
}

// ValidateManifest validates the structure of a loaded document.
func (sr *SchemaRegistry) ValidateManifest(ctx context.Context, doc *Document) error {
	return sr.ValidateAgainstSchema(ctx, "manifest", doc)
}

// formatCUEError joins the details of every CUE error.
func formatCUEError(err error) string {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += errors.Details(e, nil)
	}
	return msg
}

const builtinManifestSchema = `
name?:      string & =~"^[a-zA-Z0-9_.-]+$"
namespace?: string & !=""
version?:   string

dependencies?: [...{location: string & !=""}]

packages?: [string]: #Package | null
actions?:  [string]: #Action
triggers?: [string]: #Trigger | null
rules?:    [string]: #Rule
apis?:     [string]: {...}

#Package: {
	actions?:     [string]: #Action
	binding?:     {namespace: string, name: string}
	publish?:     bool
	inputs?:      {...}
	annotations?: {...}
	...
}

#Action: {
	sequence?: [...string]
	runtime?:  string
	main?:     string
	web?:      bool | string
	binary?:   bool
	inputs?:      {...}
	annotations?: {...}
	limits?: {
		timeout?: int
		memory?:  int
		logs?:    int
	}
	...
}

#Trigger: {
	feed?:        string
	inputs?:      {...}
	annotations?: {...}
}

#Rule: {
	trigger: string & !=""
	action:  string & !=""
	status?: "active" | "inactive"
}
`
