// Package evidence holds the curated clinical knowledge base and the
// retriever that matches abnormal findings against it.
package evidence

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed knowledge.toml
var embeddedKnowledge []byte

// Passage is one reference snippet.
type Passage struct {
	ID       string   `toml:"id"`
	Category string   `toml:"category"`
	Source   string   `toml:"source"`
	Keywords []string `toml:"keywords"`
	Content  string   `toml:"content"`
}

// KnowledgeBase is the set of passages available to retrieval.
type KnowledgeBase struct {
	Passages []Passage `toml:"passage"`
}

// LoadKnowledgeBase reads a knowledge base from path, or the embedded one
// when path is empty.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	data := embeddedKnowledge
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read knowledge base: %w", err)
		}
		data = b
	}
	return ParseKnowledgeBase(data)
}

// ParseKnowledgeBase decodes TOML passages and checks each has content.
func ParseKnowledgeBase(data []byte) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := toml.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("decode knowledge base: %w", err)
	}
	for i := range kb.Passages {
		p := &kb.Passages[i]
		p.Content = strings.TrimSpace(p.Content)
		if p.Content == "" {
			return nil, fmt.Errorf("knowledge base passage %d (%s) has no content", i, p.ID)
		}
		if p.ID == "" {
			p.ID = fmt.Sprintf("passage-%d", i+1)
		}
		if p.Category == "" {
			p.Category = "General"
		}
		for j, k := range p.Keywords {
			p.Keywords[j] = strings.ToLower(strings.TrimSpace(k))
		}
	}
	return &kb, nil
}
