package evidence

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/medclare/medclare/internal/findings"
)

const (
	// DefaultTopK is how many passages a retrieval returns at most.
	DefaultTopK = 5

	nameMatchRelevance     = 0.75
	categoryMatchRelevance = 0.5
	overlapStep            = 0.05
	maxOverlapBonus        = 0.2
	dedupPrefix            = 100
)

// Evidence is a passage matched to a finding, with its relevance in [0,1].
type Evidence struct {
	PassageID string  `json:"passage_id"`
	Content   string  `json:"content"`
	Source    string  `json:"source"`
	Category  string  `json:"category"`
	Relevance float64 `json:"relevance_score"`
	// Finding is the test name that pulled this passage in.
	Finding string `json:"finding"`
}

// Retriever finds evidence for a set of abnormal findings.
type Retriever interface {
	Retrieve(ctx context.Context, fs []findings.Finding, topK int) ([]Evidence, error)
}

// KeywordRetriever scores passages by test-name, keyword and category
// matches. Each finding is scored in its own goroutine.
type KeywordRetriever struct {
	kb          *KnowledgeBase
	concurrency int
}

func NewKeywordRetriever(kb *KnowledgeBase, concurrency int) *KeywordRetriever {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &KeywordRetriever{kb: kb, concurrency: concurrency}
}

func (r *KeywordRetriever) Retrieve(ctx context.Context, fs []findings.Finding, topK int) ([]Evidence, error) {
	if len(fs) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	perFinding := make([][]Evidence, len(fs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, f := range fs {
		i, f := i, f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			perFinding[i] = r.match(f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Evidence
	for _, ev := range perFinding {
		all = append(all, ev...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Relevance > all[j].Relevance })

	seen := make(map[string]bool, len(all))
	out := make([]Evidence, 0, topK)
	for _, e := range all {
		key := prefix(e.Content, dedupPrefix)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

func (r *KeywordRetriever) match(f findings.Finding) []Evidence {
	name := findings.NormalizeName(f.TestName)
	category := strings.ToLower(f.Category)
	query := queryTokens(f)

	var out []Evidence
	for _, p := range r.kb.Passages {
		content := strings.ToLower(p.Content)
		var base float64
		switch {
		case strings.Contains(content, name) || containsKeyword(p.Keywords, name):
			base = nameMatchRelevance
		case category != "" && strings.ToLower(p.Category) == category:
			base = categoryMatchRelevance
		default:
			continue
		}
		overlap := 0
		for _, tok := range query {
			if strings.Contains(content, tok) {
				overlap++
			}
		}
		rel := base + math.Min(maxOverlapBonus, overlapStep*float64(overlap))
		out = append(out, Evidence{
			PassageID: p.ID,
			Content:   p.Content,
			Source:    p.Source,
			Category:  p.Category,
			Relevance: math.Round(rel*1000) / 1000,
			Finding:   f.TestName,
		})
	}
	return out
}

// queryTokens builds the words a finding would be searched with, e.g.
// "hemoglobin low anemia" style terms, dropping very short tokens.
func queryTokens(f findings.Finding) []string {
	words := []string{strings.ToLower(f.TestName)}
	switch f.Deviation() {
	case findings.Above:
		words = append(words, "elevated", "high", "above", "raised")
	case findings.Below:
		words = append(words, "low", "below", "deficiency")
	}
	if f.Unit != "" {
		words = append(words, strings.ToLower(f.Unit))
	}

	var out []string
	seen := make(map[string]bool)
	for _, w := range words {
		for _, tok := range strings.FieldsFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '/'
		}) {
			if len(tok) < 3 || seen[tok] {
				continue
			}
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

func containsKeyword(keywords []string, name string) bool {
	for _, k := range keywords {
		if k == name {
			return true
		}
	}
	return false
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
