// Package config loads struct-tagged configuration from an optional YAML file
// and environment variables.
//
// Supported tags:
//
//	env:"NAME"        environment variable overriding the field
//	yaml:"name"       key in the YAML file
//	default:"value"   applied when the field is still zero after loading
//	required:"true"   loading fails when the field is zero and has no default
//
// Slices are comma-separated in env and default tags. ${VAR} references in the
// YAML file are expanded from the environment before parsing.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Validator is run after loading when the destination implements it.
type Validator interface {
	Validate() error
}

// setFromString parses raw into field according to the field's type.
func setFromString(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("failed to convert %s to duration: %v", raw, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to convert %s to int: %v", raw, err)
		}
		field.SetInt(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("failed to convert %s to float: %v", raw, err)
		}
		field.SetFloat(v)
	case reflect.Bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("failed to convert %s to bool: %v", raw, err)
		}
		field.SetBool(v)
	case reflect.Slice:
		parts := splitList(raw)
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, part := range parts {
			if err := setFromString(slice.Index(i), part); err != nil {
				return fmt.Errorf("unsupported slice element %q for %s: %w", part, field.Type(), err)
			}
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isLeafStruct(t reflect.Type) bool {
	return t == reflect.TypeOf(time.Time{})
}

// applyEnv overlays environment variables and records which fields they set.
func applyEnv(val reflect.Value, setFields map[string]bool) error {
	typeOfT := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typeOfT.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		if field.Kind() == reflect.Struct && !isLeafStruct(field.Type()) {
			if err := applyEnv(field, setFields); err != nil {
				return err
			}
			continue
		}

		tag := fieldType.Tag.Get("env")
		if tag == "" {
			continue
		}
		envVal, ok := os.LookupEnv(tag)
		if !ok || envVal == "" {
			continue
		}
		if err := setFromString(field, envVal); err != nil {
			return fmt.Errorf("%s: %w", tag, err)
		}
		// Keyed by struct type and field name so sections can share field names.
		setFields[typeOfT.Name()+"."+fieldType.Name] = true
	}
	return nil
}

// applyDefaults fills zero fields from default tags and reports missing
// required fields.
func applyDefaults(val reflect.Value, setFields map[string]bool) error {
	var result error
	typeOfT := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typeOfT.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		if field.Kind() == reflect.Struct && !isLeafStruct(field.Type()) {
			if err := applyDefaults(field, setFields); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}

		defaultTag, hasDefault := fieldType.Tag.Lookup("default")
		required := strings.EqualFold(fieldType.Tag.Get("required"), "true") || fieldType.Tag.Get("required") == "1"
		if !field.IsZero() {
			continue
		}
		if required && defaultTag == "" {
			result = multierror.Append(result, fmt.Errorf("required field env:%s / yaml:%s is missing",
				fieldType.Tag.Get("env"), fieldType.Tag.Get("yaml")))
			continue
		}
		if !hasDefault || defaultTag == "" || setFields[typeOfT.Name()+"."+fieldType.Name] {
			continue
		}
		if err := setFromString(field, defaultTag); err != nil {
			result = multierror.Append(result, fmt.Errorf("default for %s: %w", fieldType.Name, err))
		}
	}
	return result
}

func finish[T any](dest *T) error {
	val := reflect.ValueOf(dest).Elem()
	setFields := make(map[string]bool)
	if err := applyEnv(val, setFields); err != nil {
		return err
	}
	if err := applyDefaults(val, setFields); err != nil {
		var zero T
		*dest = zero
		return err
	}

	if validator, ok := any(*dest).(Validator); ok {
		if err := validator.Validate(); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}
	return nil
}

// GetConfigFromEnvVars loads configuration from environment variables only.
func GetConfigFromEnvVars[T any](dest *T) error {
	return finish(dest)
}

// GetConfig loads the YAML file at path, then overlays environment variables.
// An empty path means environment only. With allowFileErrors, a missing or
// malformed file falls back to environment only.
func GetConfig[T any](dest *T, path string, allowFileErrors bool) error {
	if path == "" {
		return finish(dest)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if allowFileErrors {
			return finish(dest)
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), dest); err != nil {
		if allowFileErrors {
			var zero T
			*dest = zero
			return finish(dest)
		}
		return fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return finish(dest)
}
