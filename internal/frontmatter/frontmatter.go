// Package frontmatter reads and writes the YAML header of generated
// lesson documents.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const delimiter = "---"

// ErrNoFrontmatter is returned by Parse when the text does not open with a
// delimited YAML block.
var ErrNoFrontmatter = errors.New("no frontmatter block")

// Stage is one step of the teaching process.
type Stage struct {
	Stage    string   `yaml:"stage"`
	Duration string   `yaml:"duration"`
	Content  []string `yaml:"content"`
}

// Document is the fixed key set of a lesson plan or exercise set header.
type Document struct {
	Title            string   `yaml:"title"`
	Subject          string   `yaml:"subject"`
	Grade            string   `yaml:"grade"`
	Duration         string   `yaml:"duration"`
	Objectives       []string `yaml:"objectives"`
	KeyPoints        []string `yaml:"keyPoints"`
	Difficulties     []string `yaml:"difficulties"`
	TeachingMethods  []string `yaml:"teachingMethods"`
	TeachingProcess  []Stage  `yaml:"teachingProcess"`
	Homework         []string `yaml:"homework"`
	Reflection       string   `yaml:"reflection"`
	ReferenceSources []string `yaml:"referenceSources"`
}

// Parse splits text into its header and Markdown body. Leading blank lines
// before the opening delimiter are tolerated.
func Parse(text string) (Document, string, error) {
	rest := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(rest, delimiter) {
		return Document{}, text, ErrNoFrontmatter
	}
	rest = strings.TrimPrefix(rest, delimiter)
	rest = strings.TrimLeft(rest, " \t\r")
	if !strings.HasPrefix(rest, "\n") {
		return Document{}, text, ErrNoFrontmatter
	}
	rest = rest[1:]

	end := -1
	if strings.HasPrefix(rest, delimiter) {
		end = 0
	} else if i := strings.Index(rest, "\n"+delimiter); i >= 0 {
		end = i + 1
	}
	if end < 0 {
		return Document{}, text, fmt.Errorf("unterminated frontmatter: %w", ErrNoFrontmatter)
	}

	var doc Document
	if err := yaml.Unmarshal([]byte(rest[:end]), &doc); err != nil {
		return Document{}, text, fmt.Errorf("decoding frontmatter: %w", err)
	}

	body := rest[end+len(delimiter):]
	body = strings.TrimLeft(body, "\r\n")
	return doc, body, nil
}

// Render writes the header as a delimited YAML block. String values are
// double-quoted so that subjects and grades round-trip unchanged.
func Render(doc Document) (string, error) {
	var node yaml.Node
	if err := node.Encode(doc); err != nil {
		return "", fmt.Errorf("encoding frontmatter: %w", err)
	}
	quoteValues(&node, false)

	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return "", fmt.Errorf("rendering frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("rendering frontmatter: %w", err)
	}
	buf.WriteString(delimiter + "\n")
	return buf.String(), nil
}

// quoteValues sets double-quoted style on every string scalar that is not a
// mapping key.
func quoteValues(n *yaml.Node, isKey bool) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			quoteValues(c, false)
		}
	case yaml.MappingNode:
		for i, c := range n.Content {
			quoteValues(c, i%2 == 0)
		}
	case yaml.ScalarNode:
		if !isKey && n.Tag == "!!str" {
			n.Style = yaml.DoubleQuotedStyle
		}
	}
}
