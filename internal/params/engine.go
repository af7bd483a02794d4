// Package params reduces, defaults, formats and validates action input
// against the action's declared input contracts.
package params

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/relay/internal/config"
	"github.com/pitabwire/relay/model"
)

// DefaultMaxDepth bounds nested schema recursion when Options.MaxDepth is
// not set.
const DefaultMaxDepth = 32

// ErrSchemaTooDeep is returned when nested schemas recurse past the
// configured depth.
var ErrSchemaTooDeep = errors.New("nested schema exceeds maximum depth")

// Options configures an Engine.
type Options struct {
	DisableScrubbing bool
	SafeParams       []string
	MissingChecks    []string
	MaxDepth         int
}

// OptionsFromConfig builds engine options from the general config section.
func OptionsFromConfig(cfg config.GeneralConfig) Options {
	return Options{
		DisableScrubbing: cfg.DisableParamScrubbing,
		SafeParams:       cfg.GlobalSafeParams,
		MissingChecks:    cfg.MissingParamChecks,
		MaxDepth:         cfg.MaxSchemaDepth,
	}
}

// Result collects the per-key outcomes of a validation pass.
type Result struct {
	Missing []string
	Errors  []error
}

// Engine applies input contracts to raw params. It holds no per-request
// state and is safe for concurrent use.
type Engine struct {
	scrub     bool
	safe      map[string]struct{}
	undefined bool
	null      bool
	empty     bool
	maxDepth  int
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		scrub:    !opts.DisableScrubbing,
		safe:     make(map[string]struct{}, len(opts.SafeParams)),
		maxDepth: opts.MaxDepth,
	}
	if e.maxDepth <= 0 {
		e.maxDepth = DefaultMaxDepth
	}
	for _, p := range opts.SafeParams {
		e.safe[p] = struct{}{}
	}
	for _, c := range opts.MissingChecks {
		switch c {
		case config.MissingUndefined:
			e.undefined = true
		case config.MissingNull:
			e.null = true
		case config.MissingEmptyString:
			e.empty = true
		}
	}
	return e
}

// Reduce returns a copy of values holding only declared inputs and the
// globally safe params. Nested schemas are reduced the same way, so safe
// params survive at every level. With scrubbing disabled every key is kept.
func (e *Engine) Reduce(values map[string]any, inputs map[string]model.InputContract) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if e.scrub {
			_, declared := inputs[k]
			_, safe := e.safe[k]
			if !declared && !safe {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Validate applies defaults, formatters, validators and required checks to
// values in place, recursing into nested schemas. Keys are visited in sorted
// order. Formatter and validator failures are collected in the Result; only
// a failing default or an over-deep schema returns an error.
func (e *Engine) Validate(ctx context.Context, data *model.ActionData, values map[string]any, inputs map[string]model.InputContract) (Result, error) {
	var res Result
	err := e.validate(ctx, data, "", values, inputs, 0, &res)
	return res, err
}

func (e *Engine) validate(ctx context.Context, data *model.ActionData, prefix string, values map[string]any, inputs map[string]model.InputContract, depth int, res *Result) error {
	for _, key := range sortedKeys(inputs) {
		c := inputs[key]
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		v, present := values[key]
		if !present && c.HasDefault() {
			dv, err := resolveDefault(ctx, data, c)
			if err != nil {
				return fmt.Errorf("default for %q: %w", path, err)
			}
			v, present = dv, true
			values[key] = v
		}

		// An explicit nil is a supplied value: formatters and validators see it.
		if present {
			formatted, ok := e.format(ctx, data, path, v, c.Formatters, res)
			if !ok {
				continue
			}
			v = formatted
			values[key] = v
			e.runValidators(ctx, data, path, v, c.Validators, res)
		}

		if c.Required && e.missing(v, present) {
			res.Missing = append(res.Missing, path)
		}

		if c.Schema != nil && present && v != nil {
			nested, ok := v.(map[string]any)
			if !ok {
				res.Errors = append(res.Errors, fmt.Errorf("Input for parameter %q must be an object", path))
				continue
			}
			if depth+1 > e.maxDepth {
				return fmt.Errorf("%q: %w", path, ErrSchemaTooDeep)
			}
			reduced := e.Reduce(nested, c.Schema)
			if err := e.validate(ctx, data, path, reduced, c.Schema, depth+1, res); err != nil {
				return err
			}
			values[key] = reduced
		}
	}
	return nil
}

func (e *Engine) missing(v any, present bool) bool {
	if !present {
		return e.undefined
	}
	if v == nil {
		return e.null
	}
	if s, ok := v.(string); ok && s == "" {
		return e.empty
	}
	return false
}

func (e *Engine) format(ctx context.Context, data *model.ActionData, path string, v any, formatters []model.Formatter, res *Result) (any, bool) {
	for _, f := range formatters {
		if f.Func == nil {
			res.Errors = append(res.Errors, fmt.Errorf("Input for parameter %q references unresolved formatter %q", path, f.Ref))
			return nil, false
		}
		out, err := callFormatter(ctx, f.Func, v, data)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("Input for parameter %q could not be formatted: %w", path, err))
			return nil, false
		}
		v = out
	}
	return v, true
}

func (e *Engine) runValidators(ctx context.Context, data *model.ActionData, path string, v any, validators []model.Validator, res *Result) {
	for _, val := range validators {
		if val.Func == nil {
			res.Errors = append(res.Errors, fmt.Errorf("Input for parameter %q references unresolved validator %q", path, val.Ref))
			continue
		}
		err := callValidator(ctx, val.Func, v, data)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrValidationFailed):
			res.Errors = append(res.Errors, fmt.Errorf("Input for parameter %q failed validation!", path))
		default:
			res.Errors = append(res.Errors, err)
		}
	}
}

func resolveDefault(ctx context.Context, data *model.ActionData, c model.InputContract) (v any, err error) {
	if c.DefaultFunc == nil {
		return cloneValue(c.Default), nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.DefaultFunc(ctx, data)
}

func callFormatter(ctx context.Context, fn model.FormatterFunc, v any, data *model.ActionData) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, v, data)
}

func callValidator(ctx context.Context, fn model.ValidatorFunc, v any, data *model.ActionData) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panicked: %v", r)
		}
	}()
	return fn(ctx, v, data)
}

// cloneValue copies maps and slices so a static default shared by every
// invocation is never mutated by one of them.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	}
	return v
}
