package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/docgen/entitlement-api/internal/domain/catalog"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	validate.RegisterValidation("tier", func(fl validator.FieldLevel) bool {
		return catalog.IsKnownTier(catalog.TierID(fl.Field().String()))
	})

	validate.RegisterValidation("action_kind", func(fl validator.FieldLevel) bool {
		return catalog.IsKnownAction(catalog.ActionKind(fl.Field().String()))
	})

	validate.RegisterValidation("package_type", func(fl validator.FieldLevel) bool {
		_, _, err := catalog.ParsePackage(fl.Field().String())
		return err == nil
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	errors := make(map[string]string)
	for _, err := range validationErrors {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "tier":
			errors[field] = "Invalid tier. Must be: free, starter, pro, or business"
		case "action_kind":
			errors[field] = "Invalid action kind. Must be: preview, download, or generation"
		case "package_type":
			errors[field] = "Invalid package type. Must be: pack_5, pack_all, single, or single_<template>"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}
