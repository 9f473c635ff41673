package command

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/floorstate/internal/keypath"
	"github.com/roach88/floorstate/internal/validate"
)

var structs = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Struct validates struct payloads using their `validate` tags. Field names
// in the findings follow the json tags.
func Struct() Validator {
	return func(payload any) []FieldError {
		err := structs.Struct(payload)
		if err == nil {
			return nil
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []FieldError{{Message: err.Error()}}
		}
		out := make([]FieldError, len(verrs))
		for i, fe := range verrs {
			out[i] = FieldError{Field: fe.Field(), Message: describe(fe)}
		}
		return out
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lt":
		return "must be less than " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}

// Rules validates a map payload field by field against the rules the engine
// holds for the bound paths. bindings maps payload keys to rule paths, for
// example {"width": "production.currentRoll.width"}. Warnings do not reject.
func Rules(eng *validate.Engine, bindings map[string]keypath.Path) Validator {
	return func(payload any) []FieldError {
		fields, _ := payload.(map[string]any)
		var out []FieldError
		for _, field := range sortedKeys(bindings) {
			res := eng.Validate(bindings[field], fields[field], nil)
			for _, msg := range res.Errors {
				out = append(out, FieldError{Field: field, Message: msg})
			}
		}
		return out
	}
}

func sortedKeys(m map[string]keypath.Path) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
