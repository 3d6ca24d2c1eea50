package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to the env tag of every option field.
const EnvPrefix = "THRIFTPOOL_"

// LoadOptions overlays CLI option values with precedence CLI flag > env var >
// config file. opts must point to a struct; a field named Config holds the
// config file path, fields tagged `toml:"a.b"` are read from the file and
// fields tagged `env:"NAME"` from THRIFTPOOL_NAME. Flags explicitly set on cmd
// are left untouched.
func LoadOptions(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("options must be a pointer to a struct, got %T", opts)
	}
	v = v.Elem()
	t := v.Type()

	changed := changedFlags(cmd)
	skip := func(f reflect.StructField) bool {
		return changed[fieldNameToFlag(f.Name)]
	}

	if field := v.FieldByName("Config"); field.IsValid() && field.Kind() == reflect.String {
		if path := field.String(); path != "" {
			if data, err := os.ReadFile(path); err == nil {
				var tree map[string]any
				if err := toml.Unmarshal(data, &tree); err != nil {
					return fmt.Errorf("failed to parse TOML config: %w", err)
				}
				for i := range t.NumField() {
					f := t.Field(i)
					tomlPath := f.Tag.Get("toml")
					if tomlPath == "" || skip(f) {
						continue
					}
					if value := nestedValue(tree, tomlPath); value != nil {
						setFieldValue(v.Field(i), value)
					}
				}
			}
		}
	}

	for i := range t.NumField() {
		f := t.Field(i)
		envKey := f.Tag.Get("env")
		if envKey == "" || skip(f) {
			continue
		}
		if value := os.Getenv(EnvPrefix + envKey); value != "" {
			setFieldValueFromString(v.Field(i), value)
		}
	}
	return nil
}

func changedFlags(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	if cmd == nil {
		return changed
	}
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			changed[f.Name] = true
		}
	})
	return changed
}

// fieldNameToFlag converts a struct field name to a CLI flag name.
// Example: "LoggingLevel" -> "logging-level", "Workers" -> "workers".
func fieldNameToFlag(fieldName string) string {
	var result []rune
	for i, r := range fieldName {
		if i > 0 && unicode.IsUpper(r) {
			result = append(result, '-')
		}
		result = append(result, unicode.ToLower(r))
	}
	return string(result)
}

// nestedValue retrieves a value from a decoded TOML tree using dot notation.
func nestedValue(tree map[string]any, path string) any {
	parts := strings.Split(path, ".")
	current := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current[parts[len(parts)-1]]
}

func setFieldValue(field reflect.Value, value any) {
	if !field.CanSet() {
		return
	}
	switch field.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			field.SetString(s)
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		switch n := value.(type) {
		case int64:
			field.SetInt(n)
		case int:
			field.SetInt(int64(n))
		}
	}
}

func setFieldValueFromString(field reflect.Value, value string) {
	if !field.CanSet() {
		return
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		if b, err := strconv.ParseBool(value); err == nil {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			field.SetInt(n)
		}
	}
}
