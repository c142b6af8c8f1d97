package skills

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validSkill = `---
name: summarize
description: Summarize a file from the agent workspace
params:
  type: object
  properties:
    path:
      type: string
  required:
    - path
---

# Summarize

Reads a file and produces a short summary.

` + "```js" + `
const text = hub.files.read(input.path);
return text.slice(0, 200);
` + "```" + `
`

func TestParseSkillFile(t *testing.T) {
	t.Run("valid skill file", func(t *testing.T) {
		dir := t.TempDir()
		skillFile := filepath.Join(dir, SkillFilename)
		if err := os.WriteFile(skillFile, []byte(validSkill), 0644); err != nil {
			t.Fatalf("write file: %v", err)
		}

		skill, err := ParseSkillFile(skillFile)
		if err != nil {
			t.Fatalf("ParseSkillFile error: %v", err)
		}
		if skill.Name != "summarize" {
			t.Errorf("Name = %q, want %q", skill.Name, "summarize")
		}
		if skill.Description != "Summarize a file from the agent workspace" {
			t.Errorf("Description = %q", skill.Description)
		}
		if skill.Path != dir {
			t.Errorf("Path = %q, want %q", skill.Path, dir)
		}
		if !strings.Contains(string(skill.Params), `"required":["path"]`) {
			t.Errorf("Params = %s", skill.Params)
		}
		if !strings.Contains(skill.Script, "hub.files.read") {
			t.Errorf("Script = %q", skill.Script)
		}
		if strings.Contains(skill.Script, "```") {
			t.Errorf("Script contains fence markers: %q", skill.Script)
		}
		if skill.ToolName() != "skill_summarize" {
			t.Errorf("ToolName() = %q", skill.ToolName())
		}
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := ParseSkillFile("/nonexistent/path/SKILL.md")
		if err == nil {
			t.Fatal("expected error for nonexistent file")
		}
		if !strings.Contains(err.Error(), "read file") {
			t.Errorf("error should mention read file: %v", err)
		}
	})
}

func TestParseSkill(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "missing opening delimiter",
			data:    "name: x\n---\nbody",
			wantErr: "missing opening frontmatter delimiter",
		},
		{
			name:    "missing closing delimiter",
			data:    "---\nname: x\ndescription: y",
			wantErr: "missing closing frontmatter delimiter",
		},
		{
			name:    "empty file",
			data:    "",
			wantErr: "empty file",
		},
		{
			name:    "missing name",
			data:    "---\ndescription: y\n---\n```js\n1\n```",
			wantErr: "skill name is required",
		},
		{
			name:    "uppercase name",
			data:    "---\nname: BadName\ndescription: y\n---\n```js\n1\n```",
			wantErr: "lowercase alphanumeric",
		},
		{
			name:    "missing description",
			data:    "---\nname: x\n---\n```js\n1\n```",
			wantErr: "description is required",
		},
		{
			name:    "no script block",
			data:    "---\nname: x\ndescription: y\n---\njust prose",
			wantErr: "no js code block",
		},
		{
			name: "javascript fence accepted",
			data: "---\nname: x\ndescription: y\n---\n```javascript\nreturn 1;\n```",
		},
		{
			name: "no params allowed",
			data: "---\nname: x\ndescription: y\n---\n```js\nreturn 1;\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			skill, err := ParseSkill([]byte(tt.data), "/tmp/skill")
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSkill error: %v", err)
			}
			if skill.Script == "" {
				t.Error("Script is empty")
			}
		})
	}
}

func TestExtractScriptTakesFirstBlock(t *testing.T) {
	body := "```js\nfirst\n```\n\n```js\nsecond\n```"
	if got := extractScript([]byte(body)); got != "first" {
		t.Errorf("extractScript = %q, want %q", got, "first")
	}
}

func TestExtractScriptIgnoresOtherLanguages(t *testing.T) {
	body := "```sh\necho hi\n```\n\n```js\nreturn 1;\n```"
	if got := extractScript([]byte(body)); got != "return 1;" {
		t.Errorf("extractScript = %q", got)
	}
}
