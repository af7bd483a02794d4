package params

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/pitabwire/relay/model"
)

// Reference prefixes. Only references rooted at RefPrefix are resolvable.
const (
	RefPrefix       = "api."
	FormatterPrefix = RefPrefix + "formatters."
	ValidatorPrefix = RefPrefix + "validators."
)

// Resolution errors.
var (
	ErrRefNotRooted = errors.New("reference is not rooted at " + RefPrefix)
	ErrUnknownRef   = errors.New("reference is not registered")
)

// Functions is the registry of named formatters and validators that action
// inputs may reference symbolically, e.g. "api.formatters.toLower".
type Functions struct {
	mu         sync.RWMutex
	formatters map[string]model.FormatterFunc
	validators map[string]model.ValidatorFunc
}

// NewFunctions returns a registry preloaded with the built-in formatters and
// validators.
func NewFunctions() *Functions {
	f := &Functions{
		formatters: make(map[string]model.FormatterFunc),
		validators: make(map[string]model.ValidatorFunc),
	}
	for name, fn := range builtinFormatters {
		f.formatters[name] = fn
	}
	for name, fn := range builtinValidators {
		f.validators[name] = fn
	}
	return f
}

// RegisterFormatter adds a formatter addressable as "api.formatters.<name>".
func (f *Functions) RegisterFormatter(name string, fn model.FormatterFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("formatter name and function are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.formatters[name]; ok {
		return fmt.Errorf("formatter %q already registered", name)
	}
	f.formatters[name] = fn
	return nil
}

// RegisterValidator adds a validator addressable as "api.validators.<name>".
func (f *Functions) RegisterValidator(name string, fn model.ValidatorFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("validator name and function are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.validators[name]; ok {
		return fmt.Errorf("validator %q already registered", name)
	}
	f.validators[name] = fn
	return nil
}

// Formatter resolves a formatter reference.
func (f *Functions) Formatter(ref string) (model.FormatterFunc, error) {
	name, err := trimRef(ref, FormatterPrefix)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	fn, ok := f.formatters[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", ref, ErrUnknownRef)
	}
	return fn, nil
}

// Validator resolves a validator reference.
func (f *Functions) Validator(ref string) (model.ValidatorFunc, error) {
	name, err := trimRef(ref, ValidatorPrefix)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	fn, ok := f.validators[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", ref, ErrUnknownRef)
	}
	return fn, nil
}

// Names returns every registered reference, sorted.
func (f *Functions) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.formatters)+len(f.validators))
	for n := range f.formatters {
		names = append(names, FormatterPrefix+n)
	}
	for n := range f.validators {
		names = append(names, ValidatorPrefix+n)
	}
	sort.Strings(names)
	return names
}

// Resolve fills in the Func of every referenced formatter and validator in
// inputs, recursing into nested schemas. It returns a new map; inputs is not
// modified. Every unresolvable reference is reported.
func (f *Functions) Resolve(inputs map[string]model.InputContract) (map[string]model.InputContract, []error) {
	return f.resolve("", inputs)
}

func (f *Functions) resolve(prefix string, inputs map[string]model.InputContract) (map[string]model.InputContract, []error) {
	if inputs == nil {
		return nil, nil
	}
	var errs []error
	out := make(map[string]model.InputContract, len(inputs))
	for _, key := range sortedKeys(inputs) {
		c := inputs[key]
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		formatters := make([]model.Formatter, len(c.Formatters))
		for i, fm := range c.Formatters {
			if fm.Func == nil {
				fn, err := f.Formatter(fm.Ref)
				if err != nil {
					errs = append(errs, fmt.Errorf("inputs.%s.formatter[%d]: %w", path, i, err))
				}
				fm.Func = fn
			}
			formatters[i] = fm
		}
		c.Formatters = formatters

		validators := make([]model.Validator, len(c.Validators))
		for i, v := range c.Validators {
			if v.Func == nil {
				fn, err := f.Validator(v.Ref)
				if err != nil {
					errs = append(errs, fmt.Errorf("inputs.%s.validator[%d]: %w", path, i, err))
				}
				v.Func = fn
			}
			validators[i] = v
		}
		c.Validators = validators

		if c.Schema != nil {
			schema, serrs := f.resolve(path, c.Schema)
			c.Schema = schema
			errs = append(errs, serrs...)
		}
		out[key] = c
	}
	return out, errs
}

func trimRef(ref, prefix string) (string, error) {
	if !strings.HasPrefix(ref, RefPrefix) {
		return "", fmt.Errorf("%q: %w", ref, ErrRefNotRooted)
	}
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("%q: expected prefix %q: %w", ref, prefix, ErrUnknownRef)
	}
	return strings.TrimPrefix(ref, prefix), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var builtinFormatters = map[string]model.FormatterFunc{
	"toLower": func(_ context.Context, v any, _ *model.ActionData) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		return strings.ToLower(s), nil
	},
	"toUpper": func(_ context.Context, v any, _ *model.ActionData) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		return strings.ToUpper(s), nil
	},
	"trim": func(_ context.Context, v any, _ *model.ActionData) (any, error) {
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		return strings.TrimSpace(s), nil
	},
	"toString": func(_ context.Context, v any, _ *model.ActionData) (any, error) {
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	},
	"toNumber": func(_ context.Context, v any, _ *model.ActionData) (any, error) {
		return toFloat(v)
	},
	"toInteger": func(_ context.Context, v any, _ *model.ActionData) (any, error) {
		n, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return int64(n), nil
	},
	"toBoolean": func(_ context.Context, v any, _ *model.ActionData) (any, error) {
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("%v is not a boolean", v)
	},
}

var builtinValidators = map[string]model.ValidatorFunc{
	"notEmpty": func(_ context.Context, v any, _ *model.ActionData) error {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return model.ErrValidationFailed
		}
		return nil
	},
	"isString": func(_ context.Context, v any, _ *model.ActionData) error {
		if _, ok := v.(string); !ok {
			return model.ErrValidationFailed
		}
		return nil
	},
	"isNumber": func(_ context.Context, v any, _ *model.ActionData) error {
		switch v.(type) {
		case int, int32, int64, float32, float64:
			return nil
		}
		return model.ErrValidationFailed
	},
	"isBoolean": func(_ context.Context, v any, _ *model.ActionData) error {
		if _, ok := v.(bool); !ok {
			return model.ErrValidationFailed
		}
		return nil
	},
	"isEmail": func(_ context.Context, v any, _ *model.ActionData) error {
		s, ok := v.(string)
		if !ok {
			return model.ErrValidationFailed
		}
		if _, err := mail.ParseAddress(s); err != nil {
			return fmt.Errorf("%q is not a valid email address", s)
		}
		return nil
	},
	"isUUID": func(_ context.Context, v any, _ *model.ActionData) error {
		s, ok := v.(string)
		if !ok {
			return model.ErrValidationFailed
		}
		if _, err := uuid.Parse(s); err != nil {
			return fmt.Errorf("%q is not a valid uuid", s)
		}
		return nil
	},
}

// MinLength returns a validator that rejects strings and slices shorter than
// n.
func MinLength(n int) model.ValidatorFunc {
	return func(_ context.Context, v any, _ *model.ActionData) error {
		if length(v) < n {
			return fmt.Errorf("must be at least %d long", n)
		}
		return nil
	}
}

// MaxLength returns a validator that rejects strings and slices longer than
// n.
func MaxLength(n int) model.ValidatorFunc {
	return func(_ context.Context, v any, _ *model.ActionData) error {
		if length(v) > n {
			return fmt.Errorf("must be at most %d long", n)
		}
		return nil
	}
}

// OneOf returns a validator that accepts only the listed string values.
func OneOf(values ...string) model.ValidatorFunc {
	allowed := make(map[string]struct{}, len(values))
	for _, v := range values {
		allowed[v] = struct{}{}
	}
	return func(_ context.Context, v any, _ *model.ActionData) error {
		s, _ := v.(string)
		if _, ok := allowed[s]; !ok {
			return fmt.Errorf("must be one of %s", strings.Join(values, ", "))
		}
		return nil
	}
}

func length(v any) int {
	switch t := v.(type) {
	case string:
		return len([]rune(t))
	case []any:
		return len(t)
	case []string:
		return len(t)
	case map[string]any:
		return len(t)
	}
	return 0
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%v is not a number", v)
}
