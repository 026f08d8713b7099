package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/normanking/conductor/pkg/types"
)

// KeywordMatcher finds force-tier keywords in free text.
// Matching is case-insensitive on whole words.
type KeywordMatcher struct {
	patterns []*compiledKeyword
}

// compiledKeyword holds a pre-compiled whole-word regex with its tier.
type compiledKeyword struct {
	word  string
	tier  types.Tier
	regex *regexp.Regexp
}

// NewKeywordMatcher compiles the keyword table. Keys are words, values are
// tier letters.
func NewKeywordMatcher(keywords map[string]string) (*KeywordMatcher, error) {
	m := &KeywordMatcher{}
	for word, tierName := range keywords {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		tier, err := types.ParseTier(tierName)
		if err != nil || !tier.IsValid() {
			return nil, fmt.Errorf("keyword %q: invalid tier %q", word, tierName)
		}
		m.patterns = append(m.patterns, &compiledKeyword{
			word:  strings.ToLower(word),
			tier:  tier,
			regex: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`),
		})
	}

	// Highest tier first, then alphabetical, so a match is deterministic.
	sort.Slice(m.patterns, func(i, j int) bool {
		a, b := m.patterns[i], m.patterns[j]
		if a.tier.Rank() != b.tier.Rank() {
			return a.tier.Rank() > b.tier.Rank()
		}
		return a.word < b.word
	})
	return m, nil
}

// Match returns the tier forced by text and the keyword that forced it.
// When several keywords appear, the highest tier wins.
func (m *KeywordMatcher) Match(text string) (types.Tier, string) {
	if m == nil || text == "" {
		return types.TierNone, ""
	}
	for _, p := range m.patterns {
		if p.regex.MatchString(text) {
			return p.tier, p.word
		}
	}
	return types.TierNone, ""
}

// Len returns the number of keywords.
func (m *KeywordMatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}
