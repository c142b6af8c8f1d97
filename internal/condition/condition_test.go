package condition

import (
	"encoding/json"
	"testing"
)

func TestParseValid(t *testing.T) {
	tests := []struct {
		src  string
		want Op
	}{
		{"always", OpAlways},
		{"", OpAlways},
		{"changed", OpChanged},
		{"> 5", OpGreater},
		{">5", OpGreater},
		{"< 10.5", OpLess},
		{"== 42", OpEquals},
		{"== ready", OpEquals},
		{`== "ready"`, OpEquals},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			c, err := Parse(tt.src)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.src, err)
			}
			if c.Op != tt.want {
				t.Errorf("Parse(%q).Op = %v, want %v", tt.src, c.Op, tt.want)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, src := range []string{
		"> abc",
		"<",
		"==",
		"!= 5",
		">= 3",
		"value > 5",
		"exec(rm)",
	} {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", src)
		}
	}
}

func TestEval(t *testing.T) {
	tests := []struct {
		src     string
		value   any
		changed bool
		want    bool
	}{
		{"always", nil, false, true},
		{"changed", 1, true, true},
		{"changed", 1, false, false},
		{"> 5", 6, false, true},
		{"> 5", 5, false, false},
		{"> 5", "not a number", false, false},
		{"< 5", 4.5, false, true},
		{"< 5", 5.0, false, false},
		{"== 42", 42, false, true},
		{"== 42", json.RawMessage(`42`), false, true},
		{"== 42", 41, false, false},
		{"== ready", "ready", false, true},
		{"== ready", json.RawMessage(`"ready"`), false, true},
		{"== ready", "pending", false, false},
		{"> 5", json.RawMessage(`7`), false, true},
		{"> 5", "7", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			c, err := Parse(tt.src)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := c.Eval(tt.value, tt.changed); got != tt.want {
				t.Errorf("Eval(%v, changed=%v) = %v, want %v", tt.value, tt.changed, got, tt.want)
			}
		})
	}
}
