package model

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DefaultVersion is assigned to actions registered without a version.
const DefaultVersion = "1"

// RunFunc is the entry point of an action. A non-nil result is merged into
// the object response.
type RunFunc func(ctx context.Context, data *ActionData) (map[string]any, error)

// HookFunc is a middleware pre- or post-processor. It has the same merge and
// abort semantics as RunFunc.
type HookFunc func(ctx context.Context, data *ActionData) (map[string]any, error)

// DefaultFunc computes a default value for an omitted parameter.
type DefaultFunc func(ctx context.Context, data *ActionData) (any, error)

// FormatterFunc transforms a parameter value.
type FormatterFunc func(ctx context.Context, value any, data *ActionData) (any, error)

// ValidatorFunc checks a parameter value. It returns nil to accept the
// value, ErrValidationFailed for a generic rejection, or any other error to
// reject with that specific error.
type ValidatorFunc func(ctx context.Context, value any, data *ActionData) error

// Formatter is either a Go function or a symbolic reference such as
// "api.formatters.toLower" that is resolved when the action is registered.
type Formatter struct {
	Ref  string
	Func FormatterFunc
}

// FormatWith wraps a Go function as a Formatter.
func FormatWith(fn FormatterFunc) Formatter {
	return Formatter{Func: fn}
}

// FormatterRef references a registered formatter by name.
func FormatterRef(ref string) Formatter {
	return Formatter{Ref: ref}
}

// UnmarshalYAML decodes a formatter reference from a scalar.
func (f *Formatter) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: formatter must be a reference string", node.Line)
	}
	f.Ref = node.Value
	return nil
}

// Validator is either a Go function or a symbolic reference such as
// "api.validators.minLength" that is resolved when the action is registered.
type Validator struct {
	Ref  string
	Func ValidatorFunc
}

// ValidateWith wraps a Go function as a Validator.
func ValidateWith(fn ValidatorFunc) Validator {
	return Validator{Func: fn}
}

// ValidatorRef references a registered validator by name.
func ValidatorRef(ref string) Validator {
	return Validator{Ref: ref}
}

// UnmarshalYAML decodes a validator reference from a scalar.
func (v *Validator) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: validator must be a reference string", node.Line)
	}
	v.Ref = node.Value
	return nil
}

// InputContract declares one named parameter of an action.
type InputContract struct {
	Required    bool                     `yaml:"required"`
	Description string                   `yaml:"description"`
	Default     any                      `yaml:"default"`
	DefaultFunc DefaultFunc              `yaml:"-"`
	Formatters  []Formatter              `yaml:"formatter"`
	Validators  []Validator              `yaml:"validator"`
	Schema      map[string]InputContract `yaml:"schema"`
}

// HasDefault reports whether the contract supplies a default.
func (c InputContract) HasDefault() bool {
	return c.Default != nil || c.DefaultFunc != nil
}

// ActionDefinition is a named, versioned unit of work. It is immutable once
// registered and shared by every concurrent invocation.
type ActionDefinition struct {
	Name                   string                   `yaml:"name"`
	Version                string                   `yaml:"version"`
	Description            string                   `yaml:"description"`
	OutputExample          map[string]any           `yaml:"output_example"`
	Inputs                 map[string]InputContract `yaml:"inputs"`
	Middleware             []string                 `yaml:"middleware"`
	BlockedConnectionTypes []string                 `yaml:"blocked_connection_types"`
	LogLevel               string                   `yaml:"log_level"`
	Handler                string                   `yaml:"handler"`
	Run                    RunFunc                  `yaml:"-"`
}

// Blocks reports whether connections of the given type may not call this
// action.
func (a *ActionDefinition) Blocks(connType string) bool {
	for _, t := range a.BlockedConnectionTypes {
		if t == connType {
			return true
		}
	}
	return false
}
