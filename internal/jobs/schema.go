package jobs

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// ErrInvalidParameters is wrapped by every binding failure.
var ErrInvalidParameters = errors.New("invalid job parameters")

// Parameter declares one command parameter.
type Parameter struct {
	Name     string
	Required bool
	Default  string
	// Pattern, when set, must match the whole value.
	Pattern *regexp.Regexp
}

// ParameterSchema is the validated parameter declaration of a command.
type ParameterSchema struct {
	params []Parameter
	index  map[string]int
}

// SchemaBuilder declares parameters. Errors are reported by Build.
type SchemaBuilder struct {
	params []Parameter
	errs   []error
}

func NewSchema() *SchemaBuilder {
	return &SchemaBuilder{}
}

func (b *SchemaBuilder) add(p Parameter) *SchemaBuilder {
	if p.Name == "" {
		b.errs = append(b.errs, errors.New("parameter name is required"))
		return b
	}
	for _, existing := range b.params {
		if existing.Name == p.Name {
			b.errs = append(b.errs, fmt.Errorf("parameter %q declared twice", p.Name))
			return b
		}
	}
	b.params = append(b.params, p)
	return b
}

// Required declares a parameter that must be bound.
func (b *SchemaBuilder) Required(name string) *SchemaBuilder {
	return b.add(Parameter{Name: name, Required: true})
}

// Optional declares a parameter bound to def when absent.
func (b *SchemaBuilder) Optional(name, def string) *SchemaBuilder {
	return b.add(Parameter{Name: name, Default: def})
}

// Matching constrains a declared parameter to a regular expression.
func (b *SchemaBuilder) Matching(name, pattern string) *SchemaBuilder {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("parameter %q pattern: %w", name, err))
		return b
	}
	for i := range b.params {
		if b.params[i].Name == name {
			b.params[i].Pattern = re
			return b
		}
	}
	b.errs = append(b.errs, fmt.Errorf("pattern for undeclared parameter %q", name))
	return b
}

// Build validates the declaration.
func (b *SchemaBuilder) Build() (*ParameterSchema, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	s := &ParameterSchema{params: append([]Parameter(nil), b.params...), index: make(map[string]int, len(b.params))}
	for i, p := range s.params {
		if p.Pattern != nil && !p.Required && p.Default != "" && !p.Pattern.MatchString(p.Default) {
			return nil, fmt.Errorf("parameter %q default %q does not match its pattern", p.Name, p.Default)
		}
		s.index[p.Name] = i
	}
	return s, nil
}

// MustBuild is Build for package-level declarations.
func (b *SchemaBuilder) MustBuild() *ParameterSchema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// Parameters returns the declared parameters in order.
func (s *ParameterSchema) Parameters() []Parameter {
	return append([]Parameter(nil), s.params...)
}

// Bind validates values and fills defaults. Unknown names are rejected.
// Every problem is reported, not only the first.
func (s *ParameterSchema) Bind(values map[string]string) (map[string]string, error) {
	var errs []error
	var unknown []string
	for name := range values {
		if _, ok := s.index[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, fmt.Errorf("unknown parameter %q", name))
	}

	out := make(map[string]string, len(s.params))
	for _, p := range s.params {
		v, ok := values[p.Name]
		switch {
		case !ok && p.Required:
			errs = append(errs, fmt.Errorf("missing required parameter %q", p.Name))
			continue
		case !ok:
			v = p.Default
		}
		if p.Pattern != nil && (ok || v != "") && !p.Pattern.MatchString(v) {
			errs = append(errs, fmt.Errorf("parameter %q value %q does not match %s", p.Name, v, p.Pattern))
			continue
		}
		out[p.Name] = v
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParameters, errors.Join(errs...))
	}
	return out, nil
}
