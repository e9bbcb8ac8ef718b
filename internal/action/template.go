package action

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Render substitutes "{name}" placeholders from vars. Unknown placeholders
// are left literal by contract, so partial data never breaks an action.
func Render(s string, vars map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// RenderValue applies Render recursively over a closed set of value kinds:
// strings are substituted, maps and lists are walked element-wise, every
// other scalar passes through unchanged.
func RenderValue(v any, vars map[string]string) any {
	switch t := v.(type) {
	case string:
		return Render(t, vars)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = RenderValue(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RenderValue(val, vars)
		}
		return out
	default:
		return v
	}
}

// Vars flattens an action context into template variables: the locator
// triplet plus every record field rendered as a string.
func (c *Context) Vars() map[string]string {
	vars := make(map[string]string, len(c.Fields)+3)
	vars["app_token"] = c.AppToken
	vars["table_id"] = c.TableID
	vars["record_id"] = c.RecordID
	for k, v := range c.Fields {
		vars[k] = stringify(v)
	}
	return vars
}

// stringify renders a field value for template substitution. Composite
// values fall back to their JSON encoding.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}
