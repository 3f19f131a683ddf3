// validation.go: Struct validation for manifests and configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package servicebind

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	structValidator *validator.Validate
)

// sharedValidator returns the validator with the package rules registered.
func sharedValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("service_name", validateServiceName)
		_ = v.RegisterValidation("service_id", validateServiceID)
		structValidator = v
	})
	return structValidator
}

// validateStruct runs the tag rules on s.
func validateStruct(s interface{}) error {
	return sharedValidator().Struct(s)
}

// validateServiceName rejects names that could escape a directory or reach a shell.
func validateServiceName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" {
		return true // handled by 'required'
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return false
	}
	for _, r := range name {
		if r < 32 || r == 127 {
			return false
		}
	}
	return !strings.ContainsAny(name, "~|&;$`()[]{}<>")
}

// validateServiceID accepts dotted identifiers such as com.agilira.calculator.BIND.
func validateServiceID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	if id == "" {
		return true
	}
	for _, part := range strings.Split(id, ".") {
		if part == "" {
			return false
		}
		for _, r := range part {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			default:
				return false
			}
		}
	}
	return true
}
