package registry

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// OptionType is the declared value type of an agent option.
type OptionType string

const (
	OptionString     OptionType = "string"
	OptionStringList OptionType = "list[string]"
	OptionBlob       OptionType = "blob"
	OptionBool       OptionType = "bool"
	OptionInt        OptionType = "int"
	OptionFloat      OptionType = "float"
)

// OptionTransport selects how an option value reaches the agent process.
type OptionTransport string

const (
	// TransportEnv passes the value directly in an environment variable.
	// Large values (over ~1 kB) should use TransportFile instead.
	TransportEnv OptionTransport = "env"

	// TransportFile writes the value to a temporary file and passes the
	// file path in the environment variable.
	TransportFile OptionTransport = "fs"
)

// Option declares one configurable value an agent accepts.
type Option struct {
	Type      OptionType      `toml:"type"`
	Required  bool            `toml:"required"`
	Default   any             `toml:"default"`
	Transport OptionTransport `toml:"transport"`
	Base64    bool            `toml:"base64"`
	Secret    bool            `toml:"secret"`
}

// OptionValue is a resolved option: the declaration plus the concrete value.
type OptionValue struct {
	Name      string
	Type      OptionType
	Transport OptionTransport
	Base64    bool
	Secret    bool
	value     any
}

// EnvValue renders the value for environment-variable transport, applying
// base64 encoding when the option requests it.
func (v OptionValue) EnvValue() string {
	s := v.StringValue()
	if v.Base64 {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}
	return s
}

// FileValue renders the value as file contents for filesystem transport.
func (v OptionValue) FileValue() []byte {
	return []byte(v.StringValue())
}

// StringValue renders the raw value as a string.
func (v OptionValue) StringValue() string {
	switch val := v.value.(type) {
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	case bool:
		if val {
			return "true"
		}
		return "false"
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// DisplayValue renders the value for logging, masking secrets.
func (v OptionValue) DisplayValue() string {
	if v.Secret {
		return "[redacted]"
	}
	return v.StringValue()
}

// Value resolves a single raw value against this declaration. Name is left
// empty; ResolveOptions fills it when resolving a full option set.
func (o Option) Value(raw any) (OptionValue, error) {
	value, err := coerce(o.Type, raw)
	if err != nil {
		return OptionValue{}, err
	}
	transport := o.Transport
	if transport == "" {
		transport = TransportEnv
	}
	return OptionValue{
		Type:      o.Type,
		Transport: transport,
		Base64:    o.Base64,
		Secret:    o.Secret,
		value:     value,
	}, nil
}

func coerce(typ OptionType, raw any) (any, error) {
	switch typ {
	case OptionString, OptionBlob:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	case OptionStringList:
		switch val := raw.(type) {
		case []string:
			return val, nil
		case []any:
			out := make([]string, 0, len(val))
			for _, item := range val {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected string list element, got %T", item)
				}
				out = append(out, s)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("expected string list, got %T", raw)
		}
	case OptionBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	case OptionInt:
		switch val := raw.(type) {
		case int:
			return int64(val), nil
		case int64:
			return val, nil
		case float64:
			if val != float64(int64(val)) {
				return nil, fmt.Errorf("expected integer, got %v", val)
			}
			return int64(val), nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", raw)
		}
	case OptionFloat:
		switch val := raw.(type) {
		case float64:
			return val, nil
		case int:
			return float64(val), nil
		case int64:
			return float64(val), nil
		default:
			return nil, fmt.Errorf("expected float, got %T", raw)
		}
	default:
		return nil, fmt.Errorf("unknown option type: %s", typ)
	}
}

// ResolveOptions validates supplied values against the agent's declared
// options. Unknown options, missing required options, and type mismatches
// are errors. Declared options that are absent fall back to their default.
func (a *Agent) ResolveOptions(supplied map[string]any) (map[string]OptionValue, error) {
	resolved := make(map[string]OptionValue, len(a.Options))

	for name := range supplied {
		if _, declared := a.Options[name]; !declared {
			return nil, fmt.Errorf("agent %s does not declare option %q", a.Name, name)
		}
	}

	for name, decl := range a.Options {
		raw, present := supplied[name]
		if !present {
			if decl.Required {
				return nil, fmt.Errorf("agent %s requires option %q", a.Name, name)
			}
			if decl.Default == nil {
				continue
			}
			raw = decl.Default
		}

		value, err := coerce(decl.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", name, err)
		}

		transport := decl.Transport
		if transport == "" {
			transport = TransportEnv
		}

		resolved[name] = OptionValue{
			Name:      name,
			Type:      decl.Type,
			Transport: transport,
			Base64:    decl.Base64,
			Secret:    decl.Secret,
			value:     value,
		}
	}

	return resolved, nil
}
