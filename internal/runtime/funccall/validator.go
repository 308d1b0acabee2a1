package funccall

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	callBlockPattern  = regexp.MustCompile(`(?s)<function>\s*([A-Za-z_][A-Za-z0-9_]*)\s*\((.*?)\)\s*</function>`)
	callMarkerPattern = regexp.MustCompile(`(?i)</?function>`)
)

// timestampLayouts are accepted on input; values are normalized to RFC 3339.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Value is one typed argument.
type Value struct {
	Kind   ValueKind
	String string
	Number float64
	Bool   bool
	Time   time.Time
}

// JSON returns the canonical JSON representation of v.
func (v Value) JSON() any {
	switch v.Kind {
	case KindNumber:
		return v.Number
	case KindBoolean:
		return v.Bool
	case KindTimestamp:
		return v.Time.Format(time.RFC3339)
	default:
		return v.String
	}
}

// FunctionCall is a parsed and typed call.
type FunctionCall struct {
	Name      string
	Arguments map[string]Value
	Raw       string
}

// Class is the validation outcome kind.
type Class string

const (
	ClassPlainText Class = "plain_text"
	ClassValidCall Class = "valid_call"
	ClassInvalid   Class = "invalid"
)

// Result is the tagged validation outcome. Exactly one of Call or Reason is
// meaningful, depending on Class.
type Result struct {
	Class Class
	// Text is the speakable part of the output with call markup removed.
	Text string
	// Name is the attempted function name, set whenever it could be parsed.
	Name   string
	Call   *FunctionCall
	Reason string
}

// Validator classifies generated output against a registry. It is pure:
// the same input always yields the same classification.
type Validator struct {
	registry *Registry
	location *time.Location
}

// NewValidator uses loc to interpret timestamps without a zone; nil means local time.
func NewValidator(registry *Registry, loc *time.Location) *Validator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Validator{registry: registry, location: loc}
}

// Registry returns the schema registry in use.
func (v *Validator) Registry() *Registry {
	return v.registry
}

// Validate classifies raw as plain text, a valid call, or an invalid call.
func (v *Validator) Validate(raw string) Result {
	name, argsRaw, text, shaped, reason := extract(raw)
	if !shaped {
		return Result{Class: ClassPlainText, Text: strings.TrimSpace(raw)}
	}
	if reason != "" {
		return Result{Class: ClassInvalid, Text: text, Reason: reason}
	}

	schema, ok := v.registry.Lookup(name)
	if !ok {
		return Result{Class: ClassInvalid, Text: text, Name: name, Reason: fmt.Sprintf("unknown function %q", name)}
	}
	args, err := decodeArguments(argsRaw)
	if err != nil {
		return Result{Class: ClassInvalid, Text: text, Name: name, Reason: err.Error()}
	}
	typed, err := v.typeArguments(schema, args)
	if err != nil {
		return Result{Class: ClassInvalid, Text: text, Name: name, Reason: err.Error()}
	}
	canonical := make(map[string]any, len(typed))
	for k, val := range typed {
		canonical[k] = val.JSON()
	}
	if err := v.registry.compiled[name].Validate(canonical); err != nil {
		return Result{Class: ClassInvalid, Text: text, Name: name, Reason: schemaReason(err)}
	}
	return Result{
		Class: ClassValidCall,
		Text:  text,
		Name:  name,
		Call:  &FunctionCall{Name: name, Arguments: typed, Raw: strings.TrimSpace(raw)},
	}
}

// extract finds at most one call in raw. shaped reports whether raw
// attempted a call at all; reason is set when the attempt is malformed.
func extract(raw string) (name, args, text string, shaped bool, reason string) {
	blocks := callBlockPattern.FindAllStringSubmatchIndex(raw, -1)
	switch {
	case len(blocks) > 1:
		return "", "", StripCalls(raw), true, fmt.Sprintf("expected one call block, found %d", len(blocks))
	case len(blocks) == 1:
		b := blocks[0]
		rest := raw[:b[0]] + raw[b[1]:]
		if callMarkerPattern.MatchString(rest) {
			return "", "", StripCalls(raw), true, "unbalanced call markup"
		}
		return raw[b[2]:b[3]], raw[b[4]:b[5]], collapseSpace(rest), true, ""
	case callMarkerPattern.MatchString(raw):
		return "", "", StripCalls(raw), true, "malformed call block"
	}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && strings.Contains(trimmed, `"name"`) {
		var bare struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		dec := json.NewDecoder(strings.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&bare); err != nil {
			return "", "", "", true, "malformed call object: " + err.Error()
		}
		if !identifierPattern.MatchString(bare.Name) {
			return "", "", "", true, fmt.Sprintf("invalid function name %q", bare.Name)
		}
		return bare.Name, string(bare.Arguments), "", true, ""
	}
	return "", "", "", false, ""
}

func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %v", err)
	}
	if dec.More() {
		return nil, errors.New("arguments contain trailing data")
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (v *Validator) typeArguments(schema FunctionSchema, args map[string]any) (map[string]Value, error) {
	for _, spec := range schema.Args {
		if _, ok := args[spec.Name]; spec.Required && !ok {
			return nil, fmt.Errorf("missing required argument %q", spec.Name)
		}
	}
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)

	typed := make(map[string]Value, len(args))
	for _, name := range names {
		spec, ok := schema.Arg(name)
		if !ok {
			return nil, fmt.Errorf("unexpected argument %q", name)
		}
		val, err := v.typeValue(spec, args[name])
		if err != nil {
			return nil, err
		}
		typed[name] = val
	}
	return typed, nil
}

func (v *Validator) typeValue(spec ArgSpec, raw any) (Value, error) {
	wrong := fmt.Errorf("argument %q must be %s", spec.Name, spec.Kind)
	switch spec.Kind {
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, wrong
		}
		return Value{Kind: KindString, String: s}, nil
	case KindNumber:
		n, ok := raw.(json.Number)
		if !ok {
			return Value{}, wrong
		}
		f, err := n.Float64()
		if err != nil {
			return Value{}, wrong
		}
		return Value{Kind: KindNumber, Number: f}, nil
	case KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, wrong
		}
		return Value{Kind: KindBoolean, Bool: b}, nil
	case KindTimestamp:
		s, ok := raw.(string)
		if !ok {
			return Value{}, wrong
		}
		ts, err := v.parseTimestamp(s)
		if err != nil {
			return Value{}, fmt.Errorf("argument %q must be timestamp: %v", spec.Name, err)
		}
		return Value{Kind: KindTimestamp, Time: ts}, nil
	default:
		return Value{}, fmt.Errorf("argument %q has unsupported kind %q", spec.Name, spec.Kind)
	}
}

func (v *Validator) parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, s, v.location); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func schemaReason(err error) string {
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
		if loc == "" {
			return "schema violation: " + leaf.Message
		}
		return fmt.Sprintf("argument %q: %s", loc, leaf.Message)
	}
	return "schema violation: " + err.Error()
}

// StripCalls removes every call block and stray call marker from raw.
func StripCalls(raw string) string {
	out := callBlockPattern.ReplaceAllString(raw, " ")
	if i := strings.Index(strings.ToLower(out), "<function>"); i >= 0 {
		out = out[:i]
	}
	out = callMarkerPattern.ReplaceAllString(out, " ")
	return collapseSpace(out)
}

// Format renders call in the canonical block syntax.
func Format(call FunctionCall) string {
	args := make(map[string]any, len(call.Arguments))
	for k, v := range call.Arguments {
		args[k] = v.JSON()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(args)
	return "<function>" + call.Name + "(" + strings.TrimSpace(buf.String()) + ")</function>"
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
