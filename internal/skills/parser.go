// Package skills loads tool definitions from SKILL.md files. Each skill
// lives in its own directory under the configured skills path and combines
// YAML frontmatter (name, description, input parameters) with a fenced js
// code block that runs inside the hub's script runtime when the tool is
// invoked. Skills surface to agents as skill_<name> tools.
package skills

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename for skill definitions.
	SkillFilename = "SKILL.md"

	// FrontmatterDelimiter marks the beginning and end of YAML frontmatter.
	FrontmatterDelimiter = "---"
)

// Skill is a parsed SKILL.md definition.
type Skill struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	// The agent-facing tool is named skill_<Name>.
	Name string `json:"name"`

	// Description explains what the skill does and when to use it.
	Description string `json:"description"`

	// Params is the JSON Schema for the tool input, converted from the
	// frontmatter. Nil means the tool takes no input.
	Params json.RawMessage `json:"params,omitempty"`

	// Script is the fenced js block from the markdown body.
	Script string `json:"-"`

	// Path is the directory the skill was loaded from.
	Path string `json:"path"`
}

type frontmatter struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Params      map[string]any `yaml:"params"`
}

// ParseSkillFile parses a SKILL.md file and returns a Skill.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return ParseSkill(data, filepath.Dir(path))
}

// ParseSkill parses SKILL.md content and returns a Skill.
func ParseSkill(data []byte, skillPath string) (*Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var fm frontmatter
	if err := yaml.Unmarshal(front, &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	skill := &Skill{
		Name:        fm.Name,
		Description: fm.Description,
		Path:        skillPath,
	}
	if err := validateName(skill.Name); err != nil {
		return nil, err
	}
	if skill.Description == "" {
		return nil, fmt.Errorf("skill description is required")
	}

	if fm.Params != nil {
		params, err := json.Marshal(fm.Params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		skill.Params = params
	}

	skill.Script = extractScript(body)
	if skill.Script == "" {
		return nil, fmt.Errorf("skill body has no js code block")
	}

	return skill, nil
}

// splitFrontmatter separates YAML frontmatter from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != FrontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == FrontmatterDelimiter {
			foundClosing = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !foundClosing {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// extractScript returns the first fenced js or javascript block in the
// body, or "" when none exists.
func extractScript(body []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	var script []string
	inBlock := false
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			lang := strings.TrimPrefix(trimmed, "```")
			if lang != trimmed && (lang == "js" || lang == "javascript") {
				inBlock = true
			}
			continue
		}
		if trimmed == "```" {
			return strings.TrimSpace(strings.Join(script, "\n"))
		}
		script = append(script, line)
	}
	return ""
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: got %q", name)
		}
	}
	return nil
}

// ToolName returns the agent-facing tool name for the skill.
func (s *Skill) ToolName() string {
	return "skill_" + s.Name
}
