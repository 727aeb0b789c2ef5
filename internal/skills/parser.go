package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected file name inside a skill directory.
	SkillFilename = "SKILL.md"

	frontMatterDelimiter = "---"
)

// frontMatter is the YAML header of a SKILL.md file.
type frontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ParseSkillFile reads and parses a SKILL.md file.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill file: %w", err)
	}

	skill, err := ParseSkill(data)
	if err != nil {
		return nil, err
	}
	skill.Location = path
	return skill, nil
}

// ParseSkill parses SKILL.md content: YAML front matter delimited by
// "---" lines, then the markdown body.
func ParseSkill(data []byte) (*Skill, error) {
	header, body, err := splitFrontMatter(data)
	if err != nil {
		return nil, err
	}

	var fm frontMatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return nil, fmt.Errorf("parse front matter: %w", err)
	}
	if fm.Name == "" {
		return nil, fmt.Errorf("skill name is required")
	}

	return &Skill{
		Name:        fm.Name,
		Description: fm.Description,
		Body:        strings.TrimSpace(string(body)),
	}, nil
}

// splitFrontMatter separates the YAML header from the markdown body.
func splitFrontMatter(data []byte) (header, body []byte, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontMatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening front matter delimiter")
	}

	var headerLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontMatterDelimiter {
			closed = true
			break
		}
		headerLines = append(headerLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing front matter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}

	return []byte(strings.Join(headerLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
