package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"google.golang.org/genai"
)

// settings is the session shape after env, session file and flags are merged.
type settings struct {
	Model             string
	SystemInstruction string
	Modalities        []string
	Voice             string
	Temperature       *float32
	GoogleSearch      bool
	Functions         []functionConfig
}

// session.toml key mapping.
type sessionFile struct {
	Model              string           `toml:"model"`
	SystemInstruction  string           `toml:"system_instruction"`
	ResponseModalities []string         `toml:"response_modalities"`
	Voice              string           `toml:"voice"`
	Temperature        float64          `toml:"temperature"`
	GoogleSearch       bool             `toml:"google_search"`
	Functions          []functionConfig `toml:"functions"`
}

// functionConfig declares one function and names the local handler kind
// that answers it.
type functionConfig struct {
	Name        string         `toml:"name"`
	Description string         `toml:"description"`
	Handler     string         `toml:"handler"`
	Parameters  map[string]any `toml:"parameters"`
}

// loadSessionFile overlays the keys defined in path onto base.
func loadSessionFile(path string, base settings) (settings, error) {
	var raw sessionFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return settings{}, fmt.Errorf("load session file: %w", err)
	}
	var unknown []string
	for _, k := range meta.Undecoded() {
		// Schema tables are decoded into maps and checked by schemaFromTable.
		if len(k) >= 2 && k[0] == "functions" && k[1] == "parameters" {
			continue
		}
		unknown = append(unknown, k.String())
	}
	if len(unknown) > 0 {
		return settings{}, fmt.Errorf("session file %s: unknown keys: %s", path, strings.Join(unknown, ", "))
	}

	out := base
	if meta.IsDefined("model") {
		out.Model = strings.TrimSpace(raw.Model)
	}
	if meta.IsDefined("system_instruction") {
		out.SystemInstruction = strings.TrimSpace(raw.SystemInstruction)
	}
	if meta.IsDefined("response_modalities") {
		out.Modalities = raw.ResponseModalities
	}
	if meta.IsDefined("voice") {
		out.Voice = strings.TrimSpace(raw.Voice)
	}
	if meta.IsDefined("temperature") {
		t := float32(raw.Temperature)
		out.Temperature = &t
	}
	if meta.IsDefined("google_search") {
		out.GoogleSearch = raw.GoogleSearch
	}
	if meta.IsDefined("functions") {
		out.Functions = raw.Functions
	}
	return out, nil
}

// declaration converts f to a function declaration.
func (f functionConfig) declaration() (*genai.FunctionDeclaration, error) {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		return nil, fmt.Errorf("function name is required")
	}
	decl := &genai.FunctionDeclaration{Name: name, Description: strings.TrimSpace(f.Description)}
	if len(f.Parameters) > 0 {
		schema, err := schemaFromTable(f.Parameters, "parameters")
		if err != nil {
			return nil, fmt.Errorf("function %q: %w", name, err)
		}
		decl.Parameters = schema
	}
	return decl, nil
}

// schemaFromTable converts a TOML table in JSON Schema style (lowercase
// types, snake_case bounds) to a genai.Schema.
func schemaFromTable(table map[string]any, path string) (*genai.Schema, error) {
	s := &genai.Schema{}
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := table[key]
		at := path + "." + key
		switch key {
		case "type":
			t, err := schemaType(v, at)
			if err != nil {
				return nil, err
			}
			s.Type = t
		case "description":
			str, err := asString(v, at)
			if err != nil {
				return nil, err
			}
			s.Description = str
		case "format":
			str, err := asString(v, at)
			if err != nil {
				return nil, err
			}
			s.Format = str
		case "pattern":
			str, err := asString(v, at)
			if err != nil {
				return nil, err
			}
			s.Pattern = str
		case "enum":
			list, err := asStrings(v, at)
			if err != nil {
				return nil, err
			}
			s.Enum = list
		case "required":
			list, err := asStrings(v, at)
			if err != nil {
				return nil, err
			}
			s.Required = list
		case "nullable":
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("%s must be a boolean", at)
			}
			s.Nullable = &b
		case "minimum", "maximum":
			f, err := asFloat(v, at)
			if err != nil {
				return nil, err
			}
			if key == "minimum" {
				s.Minimum = &f
			} else {
				s.Maximum = &f
			}
		case "min_items", "max_items", "min_length", "max_length":
			n, ok := v.(int64)
			if !ok || n < 0 {
				return nil, fmt.Errorf("%s must be a non-negative integer", at)
			}
			switch key {
			case "min_items":
				s.MinItems = &n
			case "max_items":
				s.MaxItems = &n
			case "min_length":
				s.MinLength = &n
			default:
				s.MaxLength = &n
			}
		case "items":
			sub, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a table", at)
			}
			items, err := schemaFromTable(sub, at)
			if err != nil {
				return nil, err
			}
			s.Items = items
		case "properties":
			props, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a table", at)
			}
			s.Properties = make(map[string]*genai.Schema, len(props))
			for name, raw := range props {
				sub, ok := raw.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%s.%s must be a table", at, name)
				}
				prop, err := schemaFromTable(sub, at+"."+name)
				if err != nil {
					return nil, err
				}
				s.Properties[name] = prop
			}
		default:
			return nil, fmt.Errorf("%s is not a supported schema key", at)
		}
	}

	if s.Type == "" {
		switch {
		case len(s.Properties) > 0:
			s.Type = genai.TypeObject
		case s.Items != nil:
			s.Type = genai.TypeArray
		default:
			return nil, fmt.Errorf("%s.type is required", path)
		}
	}
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return nil, fmt.Errorf("%s.required names unknown property %q", path, name)
		}
	}
	return s, nil
}

func schemaType(v any, at string) (genai.Type, error) {
	str, err := asString(v, at)
	if err != nil {
		return "", err
	}
	switch t := genai.Type(strings.ToUpper(strings.TrimSpace(str))); t {
	case genai.TypeString, genai.TypeNumber, genai.TypeInteger, genai.TypeBoolean, genai.TypeArray, genai.TypeObject:
		return t, nil
	default:
		return "", fmt.Errorf("%s: unsupported type %q", at, str)
	}
}

func asString(v any, at string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", at)
	}
	return s, nil
}

func asStrings(v any, at string) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings", at)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", at)
		}
		out = append(out, s)
	}
	return out, nil
}

func asFloat(v any, at string) (float64, error) {
	switch n := v.(type) {
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be a number", at)
	}
}
