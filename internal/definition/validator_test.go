package definition

import (
	"testing"

	"github.com/pitabwire/relay/model"
)

func hasCode(errs []VError, path, code string) bool {
	for _, e := range errs {
		if e.Path == path && e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_valid_action(t *testing.T) {
	v := NewValidator([]string{"action"})
	errs := v.ValidateAction("a", action("status", "1"))
	if len(errs) != 0 {
		t.Errorf("ValidateAction() = %v, want no errors", errs)
	}
}

func TestValidator_required_fields(t *testing.T) {
	v := NewValidator(nil)
	errs := v.ValidateAction("a", model.ActionDefinition{})

	for _, path := range []string{"a.name", "a.description", "a.run"} {
		if !hasCode(errs, path, "REQUIRED") {
			t.Errorf("expected REQUIRED at %s, got %v", path, errs)
		}
	}
}

func TestValidator_unbound_handler_message(t *testing.T) {
	v := NewValidator(nil)
	errs := v.ValidateAction("a", model.ActionDefinition{Name: "x", Description: "d", Handler: "h"})

	if len(errs) != 1 || errs[0].Message != `handler "h" is not bound to a run function` {
		t.Errorf("errs = %v", errs)
	}
}

func TestValidator_reserved_names(t *testing.T) {
	v := NewValidator([]string{"action", "apiVersion"})

	tests := []struct {
		name string
		def  model.ActionDefinition
		path string
	}{
		{"verb name", action(model.VerbParamAdd, "1"), "a.name"},
		{"safe param name", action("apiVersion", "1"), "a.name"},
		{"safe param input", func() model.ActionDefinition {
			d := action("ok", "1")
			d.Inputs = map[string]model.InputContract{"action": {}}
			return d
		}(), "a.inputs.action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := v.ValidateAction("a", tt.def)
			if !hasCode(errs, tt.path, "RESERVED") {
				t.Errorf("expected RESERVED at %s, got %v", tt.path, errs)
			}
		})
	}
}

func TestValidator_input_contracts(t *testing.T) {
	v := NewValidator(nil)
	d := action("ok", "1")
	d.LogLevel = "loud"
	d.Inputs = map[string]model.InputContract{
		"a": {Formatters: []model.Formatter{{}}},
		"b": {Schema: map[string]model.InputContract{
			"c": {Validators: []model.Validator{{}}},
		}},
	}

	errs := v.ValidateAction("x", d)

	if !hasCode(errs, "x.log_level", "INVALID_ENUM") {
		t.Errorf("expected INVALID_ENUM for log level, got %v", errs)
	}
	if !hasCode(errs, "x.inputs.a.formatter[0]", "REQUIRED") {
		t.Errorf("expected empty formatter error, got %v", errs)
	}
	if !hasCode(errs, "x.inputs.b.schema.c.validator[0]", "REQUIRED") {
		t.Errorf("expected nested empty validator error, got %v", errs)
	}
}

func TestValidator_Validate_duplicates(t *testing.T) {
	v := NewValidator(nil)
	errs := v.Validate([]model.ActionDefinition{action("a", ""), action("a", "1")})

	if !hasCode(errs, "actions[1]", "DUPLICATE") {
		t.Errorf("expected DUPLICATE, got %v", errs)
	}
}
