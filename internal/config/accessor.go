package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// GetByPath returns the value at a dot-separated json path such as
// "images.stripHeight".
func GetByPath(cfg *Config, path string) (any, error) {
	v, err := field(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// SetByPath assigns value at path. A string value is converted to the
// field's type: "true"/"false" for booleans, decimal for numbers and a
// comma separated list for string lists.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	v, err := field(reflect.ValueOf(cfg).Elem(), path)
	if err != nil {
		return err
	}
	if v.Kind() == reflect.Struct {
		return fmt.Errorf("%s is a section, not a value", path)
	}

	s, isString := value.(string)
	if !isString {
		rv := reflect.ValueOf(value)
		if !rv.IsValid() || !rv.Type().ConvertibleTo(v.Type()) {
			return fmt.Errorf("%s: cannot assign %T", path, value)
		}
		v.Set(rv.Convert(v.Type()))
		return nil
	}
	return setString(v, path, s)
}

func setString(v reflect.Value, path, s string) error {
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("%s: expected true or false, got %q", path, s)
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: expected an integer, got %q", path, s)
		}
		v.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%s: expected a number, got %q", path, s)
		}
		v.SetFloat(f)
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%s: unsupported list type %s", path, v.Type())
		}
		var items []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		list := reflect.MakeSlice(v.Type(), len(items), len(items))
		for i, item := range items {
			list.Index(i).SetString(item)
		}
		v.Set(list)
	default:
		return fmt.Errorf("%s: unsupported type %s", path, v.Type())
	}
	return nil
}

// field walks struct fields by their json names.
func field(v reflect.Value, path string) (reflect.Value, error) {
	for _, key := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("key not found: %s", path)
		}
		next, ok := byJSONName(v, key)
		if !ok {
			return reflect.Value{}, fmt.Errorf("key not found: %s", path)
		}
		v = next
	}
	return v, nil
}

func byJSONName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := range t.NumField() {
		if jsonName(t.Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonName(f reflect.StructField) string {
	tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if tag == "-" || !f.IsExported() {
		return ""
	}
	if tag == "" {
		return f.Name
	}
	return tag
}

// ListPaths returns every settable path with its current value, sorted by
// path.
func ListPaths(cfg *Config) []PathValue {
	var out []PathValue
	flatten("", reflect.ValueOf(cfg).Elem(), &out)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

type PathValue struct {
	Path  string
	Value any
}

func flatten(prefix string, v reflect.Value, out *[]PathValue) {
	t := v.Type()
	for i := range t.NumField() {
		name := jsonName(t.Field(i))
		if name == "" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			flatten(name, fv, out)
			continue
		}
		*out = append(*out, PathValue{Path: name, Value: fv.Interface()})
	}
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	for _, s := range []*string{
		&c.LLM.APIKey,
		&c.Channels.Telegram.Token,
		&c.Channels.Discord.Token,
		&c.Channels.Slack.BotToken,
		&c.Channels.Slack.AppToken,
		&c.Channels.Webhook.Secret,
		&c.Admin.APIKey,
	} {
		if *s != "" {
			*s = maskString(*s)
		}
	}
	return &c
}

// maskString keeps the first and last four characters.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
