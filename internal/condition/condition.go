// Package condition implements the restricted trigger-condition language
// shared by state escalation rules and scheduler event triggers.
//
// The grammar is deliberately tiny and is parsed into an AST up front, never
// evaluated as code:
//
//	always
//	changed
//	> N
//	< N
//	== V
//
// where N is a number and V is a number or a literal string.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Op identifies the comparison a condition performs.
type Op int

const (
	OpAlways Op = iota
	OpChanged
	OpGreater
	OpLess
	OpEquals
)

// Condition is a parsed trigger condition.
type Condition struct {
	Op  Op
	Num float64
	Lit string

	// numeric is true when == compares numerically.
	numeric bool

	raw string
}

// Parse validates and compiles a condition source string. An empty string
// parses as "always".
func Parse(src string) (*Condition, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" || trimmed == "always" {
		return &Condition{Op: OpAlways, raw: "always"}, nil
	}
	if trimmed == "changed" {
		return &Condition{Op: OpChanged, raw: trimmed}, nil
	}

	for _, cmp := range []struct {
		prefix string
		op     Op
	}{
		{">", OpGreater},
		{"<", OpLess},
	} {
		if strings.HasPrefix(trimmed, cmp.prefix) {
			arg := strings.TrimSpace(trimmed[len(cmp.prefix):])
			n, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return nil, fmt.Errorf("condition %q: %q is not numeric", trimmed, arg)
			}
			return &Condition{Op: cmp.op, Num: n, raw: trimmed}, nil
		}
	}

	if strings.HasPrefix(trimmed, "==") {
		arg := strings.TrimSpace(trimmed[2:])
		if arg == "" {
			return nil, fmt.Errorf("condition %q: missing comparison value", trimmed)
		}
		if n, err := strconv.ParseFloat(arg, 64); err == nil {
			return &Condition{Op: OpEquals, Num: n, numeric: true, raw: trimmed}, nil
		}
		return &Condition{Op: OpEquals, Lit: strings.Trim(arg, `"'`), raw: trimmed}, nil
	}

	return nil, fmt.Errorf("condition %q: unrecognized form", trimmed)
}

// String returns the original source form.
func (c *Condition) String() string { return c.raw }

// Eval applies the condition to a value. changed reports whether the value
// differs from its previous observation; the caller tracks that.
func (c *Condition) Eval(value any, changed bool) bool {
	switch c.Op {
	case OpAlways:
		return true
	case OpChanged:
		return changed
	case OpGreater:
		n, ok := asNumber(value)
		return ok && n > c.Num
	case OpLess:
		n, ok := asNumber(value)
		return ok && n < c.Num
	case OpEquals:
		if c.numeric {
			n, ok := asNumber(value)
			return ok && n == c.Num
		}
		s, ok := asString(value)
		return ok && s == c.Lit
	}
	return false
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	case json.RawMessage:
		var n float64
		if err := json.Unmarshal(v, &n); err == nil {
			return n, true
		}
		return 0, false
	case string:
		n, err := strconv.ParseFloat(v, 64)
		return n, err == nil
	}
	return 0, false
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s, true
		}
		return strings.TrimSpace(string(v)), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	}
	return "", false
}
