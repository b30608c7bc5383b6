package search

import (
	"strings"

	"github.com/mozillazg/go-pinyin"
)

var pinyinArgs = buildPinyinArgs()

func buildPinyinArgs() pinyin.Args {
	a := pinyin.NewArgs()
	a.Style = pinyin.FirstLetter
	// Keep non-Han runes as-is so mixed-script names stay searchable.
	a.Fallback = func(r rune, _ pinyin.Args) []string {
		return []string{strings.ToLower(string(r))}
	}
	return a
}

// phoneticInitials expands text into its romanized-initial form: each
// Han character becomes the first letter of its pinyin reading, other
// characters pass through lowercased. "鸡胸肉" -> "jxr".
func phoneticInitials(text string) string {
	var b strings.Builder
	for _, readings := range pinyin.Pinyin(text, pinyinArgs) {
		if len(readings) > 0 {
			b.WriteString(readings[0])
		}
	}
	return b.String()
}

// tokenize splits a query on whitespace into lowercased tokens.
func tokenize(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// containsAll reports whether every token is a substring of text (AND
// semantics, not phrase search). An empty token list matches everything.
func containsAll(text string, tokens []string) bool {
	for _, tok := range tokens {
		if !strings.Contains(text, tok) {
			return false
		}
	}
	return true
}

// phoneticCache memoizes romanized-initial expansions per candidate
// text. The expansion is only computed the first time direct substring
// matching fails for that candidate.
type phoneticCache map[string]string

func (c phoneticCache) get(text string) string {
	if v, ok := c[text]; ok {
		return v
	}
	v := phoneticInitials(text)
	c[text] = v
	return v
}

// matches applies the two-stage rule: direct case-insensitive substring
// match on the candidate text, then the same rule against the cached
// phonetic expansion.
func (c phoneticCache) matches(text string, tokens []string) bool {
	lower := strings.ToLower(text)
	if containsAll(lower, tokens) {
		return true
	}
	return containsAll(c.get(text), tokens)
}
