// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxServiceIDLength bounds business identifiers (DNS label-ish length).
const MaxServiceIDLength = 253

// serviceIDPattern restricts ids to characters that are safe inside storage
// keys and comma-joined member keys.
var serviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@-]*$`)

// modelValidate is the validator instance for entity types.
// Initialized in init() with the custom validators below.
var modelValidate *validator.Validate

func init() {
	modelValidate = validator.New()

	// Report fields by their JSON names so errors line up with request bodies.
	modelValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	_ = modelValidate.RegisterValidation("serviceid", validateServiceID)
	_ = modelValidate.RegisterValidation("enum", validateEnum)
}

// validateServiceID checks the business identifier character set.
func validateServiceID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	return len(id) <= MaxServiceIDLength && serviceIDPattern.MatchString(id)
}

// enumerated is satisfied by every closed enum in this package.
type enumerated interface {
	Valid() bool
}

// validateEnum delegates to the enum's own Valid method.
func validateEnum(fl validator.FieldLevel) bool {
	v, ok := fl.Field().Interface().(enumerated)
	return ok && v.Valid()
}

// ValidateServiceID checks a bare service id outside of a struct.
func ValidateServiceID(field, id string) error {
	if id == "" {
		return NewValidationError(field, "must not be empty")
	}
	if len(id) > MaxServiceIDLength || !serviceIDPattern.MatchString(id) {
		return NewValidationError(field, fmt.Sprintf("invalid service id %q", id))
	}
	return nil
}

// validateStruct runs struct-tag validation and converts the first failure
// into a ValidationError.
func validateStruct(v any) error {
	err := modelValidate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return NewValidationError("", err.Error())
	}

	fe := fieldErrs[0]
	return NewValidationError(fieldPath(fe), describeTag(fe))
}

// fieldPath strips the top-level struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

// describeTag turns a validator tag into a readable reason.
func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "serviceid":
		return fmt.Sprintf("invalid service id %q", fe.Value())
	case "enum":
		return fmt.Sprintf("unknown value %q", fe.Value())
	case "nefield":
		return "source and target must differ (self-loops are not allowed)"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}
