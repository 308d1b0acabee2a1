package funccall

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValueKind is the closed set of argument kinds a function may declare.
type ValueKind string

const (
	KindString    ValueKind = "string"
	KindNumber    ValueKind = "number"
	KindBoolean   ValueKind = "boolean"
	KindTimestamp ValueKind = "timestamp"
)

// Validate enforces supported value kinds.
func (k ValueKind) Validate() error {
	switch k {
	case KindString, KindNumber, KindBoolean, KindTimestamp:
		return nil
	default:
		return fmt.Errorf("unsupported argument kind: %q", k)
	}
}

// ArgSpec declares one argument.
type ArgSpec struct {
	Name        string    `toml:"name"`
	Kind        ValueKind `toml:"kind"`
	Required    bool      `toml:"required"`
	Description string    `toml:"description"`
	Enum        []string  `toml:"enum"`
}

// FunctionSchema is one registry entry.
type FunctionSchema struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	SideEffect  bool   `toml:"side_effect"`
	// Sensitive turns are kept out of conversation history.
	Sensitive bool      `toml:"sensitive"`
	Args      []ArgSpec `toml:"argument"`
}

// Validate enforces well-formed schemas.
func (f FunctionSchema) Validate() error {
	if !identifierPattern.MatchString(f.Name) {
		return fmt.Errorf("invalid function name %q", f.Name)
	}
	seen := map[string]struct{}{}
	for _, a := range f.Args {
		if !identifierPattern.MatchString(a.Name) {
			return fmt.Errorf("function %s: invalid argument name %q", f.Name, a.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("function %s: duplicate argument %q", f.Name, a.Name)
		}
		seen[a.Name] = struct{}{}
		if err := a.Kind.Validate(); err != nil {
			return fmt.Errorf("function %s argument %s: %w", f.Name, a.Name, err)
		}
		if len(a.Enum) > 0 && a.Kind != KindString {
			return fmt.Errorf("function %s argument %s: enum requires string kind", f.Name, a.Name)
		}
	}
	return nil
}

// Arg returns the named argument spec.
func (f FunctionSchema) Arg(name string) (ArgSpec, bool) {
	for _, a := range f.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}

// JSONSchema renders the argument object schema.
func (f FunctionSchema) JSONSchema() map[string]any {
	props := map[string]any{}
	required := []string{}
	for _, a := range f.Args {
		prop := map[string]any{}
		switch a.Kind {
		case KindString:
			prop["type"] = "string"
			prop["minLength"] = 1
			if len(a.Enum) > 0 {
				prop["enum"] = a.Enum
			}
		case KindNumber:
			prop["type"] = "number"
		case KindBoolean:
			prop["type"] = "boolean"
		case KindTimestamp:
			prop["type"] = "string"
			prop["format"] = "date-time"
		}
		if a.Description != "" {
			prop["description"] = a.Description
		}
		props[a.Name] = prop
		if a.Required {
			required = append(required, a.Name)
		}
	}
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Registry is an immutable set of compiled function schemas.
type Registry struct {
	functions map[string]FunctionSchema
	compiled  map[string]*jsonschema.Schema
}

// NewRegistry validates and compiles schemas.
func NewRegistry(schemas ...FunctionSchema) (*Registry, error) {
	r := &Registry{
		functions: make(map[string]FunctionSchema, len(schemas)),
		compiled:  make(map[string]*jsonschema.Schema, len(schemas)),
	}
	for _, s := range schemas {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.functions[s.Name]; dup {
			return nil, fmt.Errorf("duplicate function %q", s.Name)
		}
		compiled, err := compileSchema(s)
		if err != nil {
			return nil, err
		}
		r.functions[s.Name] = s
		r.compiled[s.Name] = compiled
	}
	return r, nil
}

func compileSchema(s FunctionSchema) (*jsonschema.Schema, error) {
	doc, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal %s schema: %w", s.Name, err)
	}
	url := "mem://functions/" + s.Name + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource(url, strings.NewReader(string(doc))); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", s.Name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", s.Name, err)
	}
	return compiled, nil
}

// Lookup returns the schema for name.
func (r *Registry) Lookup(name string) (FunctionSchema, bool) {
	s, ok := r.functions[name]
	return s, ok
}

// Names returns registered function names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.functions))
	for n := range r.functions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe renders the registry for a system prompt.
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, name := range r.Names() {
		s := r.functions[name]
		args := make([]string, 0, len(s.Args))
		for _, a := range s.Args {
			arg := a.Name + ": " + string(a.Kind)
			if len(a.Enum) > 0 {
				arg += " (" + strings.Join(a.Enum, "|") + ")"
			}
			if !a.Required {
				arg += ", optional"
			}
			args = append(args, arg)
		}
		fmt.Fprintf(&b, "- %s(%s)", s.Name, strings.Join(args, "; "))
		if s.Description != "" {
			b.WriteString(": " + s.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

type registryFile struct {
	Functions []FunctionSchema `toml:"function"`
}

// ParseRegistryTOML decodes a registry file. Unknown keys are rejected.
func ParseRegistryTOML(data string) (*Registry, error) {
	var file registryFile
	md, err := toml.Decode(data, &file)
	if err != nil {
		return nil, fmt.Errorf("decode function registry: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown function registry keys: %v", undecoded)
	}
	if len(file.Functions) == 0 {
		return nil, fmt.Errorf("function registry declares no functions")
	}
	return NewRegistry(file.Functions...)
}

// LoadRegistryFile reads a TOML registry from path.
func LoadRegistryFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read function registry: %w", err)
	}
	return ParseRegistryTOML(string(raw))
}

const (
	FuncSetReminder      = "set_reminder"
	FuncCompleteReminder = "complete_reminder"
	FuncAccessVault      = "access_vault"
	FuncPlayMedia        = "play_media"
)

// DefaultSchemas are the assistant's built-in functions.
func DefaultSchemas() []FunctionSchema {
	return []FunctionSchema{
		{
			Name:        FuncSetReminder,
			Description: "create a reminder",
			SideEffect:  true,
			Args: []ArgSpec{
				{Name: "title", Kind: KindString, Required: true},
				{Name: "due_at", Kind: KindTimestamp, Required: true, Description: "ISO-8601 date and time"},
				{Name: "description", Kind: KindString},
				{Name: "recurring", Kind: KindString, Enum: []string{"daily", "weekly", "monthly"}},
			},
		},
		{
			Name:        FuncCompleteReminder,
			Description: "mark a reminder as done",
			SideEffect:  true,
			Args: []ArgSpec{
				{Name: "reminder_id", Kind: KindNumber, Required: true},
			},
		},
		{
			Name:        FuncAccessVault,
			Description: "read or write the secure vault",
			SideEffect:  true,
			Sensitive:   true,
			Args: []ArgSpec{
				{Name: "action", Kind: KindString, Required: true, Enum: []string{"list", "get", "put", "delete"}},
				{Name: "passphrase", Kind: KindString, Required: true},
				{Name: "item", Kind: KindString},
				{Name: "content", Kind: KindString},
			},
		},
		{
			Name:        FuncPlayMedia,
			Description: "play music or other media",
			Args: []ArgSpec{
				{Name: "media_type", Kind: KindString, Required: true, Enum: []string{"music", "podcast", "audiobook", "radio"}},
				{Name: "query", Kind: KindString, Required: true},
			},
		},
	}
}

// DefaultRegistry compiles DefaultSchemas.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultSchemas()...)
	if err != nil {
		panic(fmt.Sprintf("default function registry: %v", err))
	}
	return r
}
