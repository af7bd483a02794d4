package definition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/relay/model"
)

// VError describes a single validation error in an action definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// VErrors is a non-empty list of validation errors returned as one error.
type VErrors []VError

func (es VErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

var validLogLevels = map[string]bool{
	"": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validator checks action definitions before they are registered.
type Validator struct {
	verbs      map[string]bool
	safeParams map[string]bool
}

// NewValidator creates a Validator that rejects action names colliding with
// connection verbs or safe params, and input keys colliding with safe
// params.
func NewValidator(safeParams []string) *Validator {
	v := &Validator{
		verbs:      make(map[string]bool, len(model.Verbs)),
		safeParams: make(map[string]bool, len(safeParams)),
	}
	for _, verb := range model.Verbs {
		v.verbs[verb] = true
	}
	for _, p := range safeParams {
		v.safeParams[p] = true
	}
	return v
}

// Validate checks a batch of definitions, including duplicate name and
// version pairs within the batch.
func (v *Validator) Validate(defs []model.ActionDefinition) []VError {
	var errs []VError
	seen := make(map[string]bool, len(defs))
	for i, def := range defs {
		prefix := fmt.Sprintf("actions[%d]", i)
		errs = append(errs, v.ValidateAction(prefix, def)...)

		key := def.Name + "@" + versionOrDefault(def.Version)
		if seen[key] {
			errs = append(errs, VError{Path: prefix, Code: "DUPLICATE", Message: fmt.Sprintf("action %s is defined more than once", key)})
		}
		seen[key] = true
	}
	return errs
}

// ValidateAction checks a single definition.
func (v *Validator) ValidateAction(prefix string, def model.ActionDefinition) []VError {
	var errs []VError

	if def.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: "REQUIRED", Message: "name is required"})
	} else {
		if v.verbs[def.Name] {
			errs = append(errs, VError{Path: prefix + ".name", Code: "RESERVED", Message: fmt.Sprintf("name %q is a reserved connection verb", def.Name)})
		}
		if v.safeParams[def.Name] {
			errs = append(errs, VError{Path: prefix + ".name", Code: "RESERVED", Message: fmt.Sprintf("name %q is a reserved param", def.Name)})
		}
	}
	if def.Description == "" {
		errs = append(errs, VError{Path: prefix + ".description", Code: "REQUIRED", Message: "description is required"})
	}
	if def.Run == nil {
		msg := "run is required"
		if def.Handler != "" {
			msg = fmt.Sprintf("handler %q is not bound to a run function", def.Handler)
		}
		errs = append(errs, VError{Path: prefix + ".run", Code: "REQUIRED", Message: msg})
	}
	if !validLogLevels[def.LogLevel] {
		errs = append(errs, VError{Path: prefix + ".log_level", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid log level %q", def.LogLevel)})
	}

	for i, name := range def.Middleware {
		if name == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.middleware[%d]", prefix, i), Code: "REQUIRED", Message: "middleware name is required"})
		}
	}
	for i, t := range def.BlockedConnectionTypes {
		if t == "" {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.blocked_connection_types[%d]", prefix, i), Code: "REQUIRED", Message: "connection type is required"})
		}
	}

	for _, key := range sortedInputKeys(def.Inputs) {
		if v.safeParams[key] {
			errs = append(errs, VError{Path: prefix + ".inputs." + key, Code: "RESERVED", Message: fmt.Sprintf("input %q is a reserved param", key)})
		}
		errs = append(errs, v.validateInput(prefix+".inputs."+key, def.Inputs[key])...)
	}

	return errs
}

func (v *Validator) validateInput(prefix string, c model.InputContract) []VError {
	var errs []VError

	if c.Default != nil && c.DefaultFunc != nil {
		errs = append(errs, VError{Path: prefix + ".default", Code: "CONFLICT", Message: "default and default func are mutually exclusive"})
	}
	for i, f := range c.Formatters {
		if f.Ref == "" && f.Func == nil {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.formatter[%d]", prefix, i), Code: "REQUIRED", Message: "formatter needs a reference or a function"})
		}
	}
	for i, val := range c.Validators {
		if val.Ref == "" && val.Func == nil {
			errs = append(errs, VError{Path: fmt.Sprintf("%s.validator[%d]", prefix, i), Code: "REQUIRED", Message: "validator needs a reference or a function"})
		}
	}
	for _, key := range sortedInputKeys(c.Schema) {
		errs = append(errs, v.validateInput(prefix+".schema."+key, c.Schema[key])...)
	}

	return errs
}

func sortedInputKeys(inputs map[string]model.InputContract) []string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func versionOrDefault(v string) string {
	if v == "" {
		return model.DefaultVersion
	}
	return v
}
