// Package wake provides wake-phrase detection for VoicePal: a text
// normalizer/matcher, an echo suppressor, and the attention detector that
// switches the assistant from passive monitoring to active listening.
package wake

import (
	"strings"
	"unicode"
)

// MatchKind describes how a wake phrase was matched.
type MatchKind string

const (
	MatchExact  MatchKind = "exact"
	MatchFuzzy  MatchKind = "fuzzy"
	MatchBigram MatchKind = "bigram"
	// MatchKeyword marks a hit from the on-device keyword engine, which
	// reports no transcript text.
	MatchKeyword MatchKind = "keyword"
)

// Match is a successful wake-phrase match. TokenIndex is the index into
// Detection.Tokens of the matched token (the second token for a pair match).
type Match struct {
	Phrase     string    `json:"phrase"`
	Kind       MatchKind `json:"kind"`
	TokenIndex int       `json:"-"`
}

// Detection is the result of running a transcript through the matcher.
type Detection struct {
	Normalized string   `json:"normalized"`
	Tokens     []string `json:"tokens"`
	Match      *Match   `json:"match,omitempty"`
	HasWake    bool     `json:"has_wake"`
}

// DefaultWakePhrases are the built-in wake phrases. Multi-word phrases are
// stored space-separated; the matcher merges them into synthetic tokens.
var DefaultWakePhrases = []string{
	"hey pal",
	"heypal",
	"hey paul",
	"hey pow",
	"a pal",
}

// maxFuzzyDistance bounds the edit distance for fuzzy matching. Unbounded
// fuzzy search produces false positives on long utterances, so it stays at 1.
const maxFuzzyDistance = 1

// Matcher matches normalized transcripts against a wake-phrase set.
type Matcher struct {
	exact   map[string]struct{}
	bigrams map[string]string // "hey pal" -> "heypal"
	tokens  []string          // single-token candidates for fuzzy matching
}

// NewMatcher creates a Matcher for the given phrases. If phrases is nil,
// DefaultWakePhrases is used.
func NewMatcher(phrases []string) *Matcher {
	if phrases == nil {
		phrases = DefaultWakePhrases
	}

	m := &Matcher{
		exact:   make(map[string]struct{}, len(phrases)),
		bigrams: make(map[string]string),
	}

	for _, p := range phrases {
		norm := Normalize(p)
		if norm == "" {
			continue
		}
		parts := strings.Fields(norm)
		switch len(parts) {
		case 1:
			if _, seen := m.exact[norm]; !seen {
				m.exact[norm] = struct{}{}
				m.tokens = append(m.tokens, norm)
			}
		case 2:
			merged := parts[0] + parts[1]
			m.bigrams[parts[0]+" "+parts[1]] = merged
			if _, seen := m.exact[merged]; !seen {
				m.exact[merged] = struct{}{}
				m.tokens = append(m.tokens, merged)
			}
		default:
			// Longer phrases collapse to a single synthetic token.
			merged := strings.Join(parts, "")
			if _, seen := m.exact[merged]; !seen {
				m.exact[merged] = struct{}{}
				m.tokens = append(m.tokens, merged)
			}
		}
	}

	return m
}

// Normalize lowercases text, strips everything but letters and spaces, and
// collapses whitespace.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokenize splits normalized text on spaces and merges known two-token wake
// phrases into single synthetic tokens, so "hey pal" matches like "heypal".
func (m *Matcher) Tokenize(normalized string) []string {
	tokens, _ := m.tokenizeMarked(normalized)
	return tokens
}

// tokenizeMarked tokenizes and reports which tokens came from a bigram merge,
// so matches on merged tokens can be reported as bigram matches.
func (m *Matcher) tokenizeMarked(normalized string) (tokens []string, merged []bool) {
	raw := strings.Fields(normalized)
	tokens = make([]string, 0, len(raw))
	merged = make([]bool, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		if i+1 < len(raw) {
			if joined, ok := m.bigrams[raw[i]+" "+raw[i+1]]; ok {
				tokens = append(tokens, joined)
				merged = append(merged, true)
				i++
				continue
			}
		}
		tokens = append(tokens, raw[i])
		merged = append(merged, false)
	}
	return tokens, merged
}

// DetectWake runs the full pipeline on a raw transcript: normalize, tokenize,
// exact membership, bounded fuzzy match, then adjacent-pair bigram scan.
func (m *Matcher) DetectWake(raw string) Detection {
	normalized := Normalize(raw)
	tokens, merged := m.tokenizeMarked(normalized)

	det := Detection{
		Normalized: normalized,
		Tokens:     tokens,
	}

	// Exact token membership. Tokens assembled from a two-word merge report
	// as bigram matches; literal single-token hits report as exact.
	for i, tok := range tokens {
		if _, ok := m.exact[tok]; ok {
			kind := MatchExact
			if merged[i] {
				kind = MatchBigram
			}
			det.Match = &Match{Phrase: tok, Kind: kind, TokenIndex: i}
			det.HasWake = true
			return det
		}
	}

	// Bounded fuzzy match against short candidate wake tokens. Tokens much
	// shorter or longer than a candidate cannot be within distance 1, so
	// the length check prunes before the DP runs.
	for i, tok := range tokens {
		for _, cand := range m.tokens {
			if abs(len(tok)-len(cand)) > maxFuzzyDistance {
				continue
			}
			if levenshtein(tok, cand) <= maxFuzzyDistance {
				det.Match = &Match{Phrase: cand, Kind: MatchFuzzy, TokenIndex: i}
				det.HasWake = true
				return det
			}
		}
	}

	// Adjacent token pairs as a near-match bigram.
	for i := 0; i+1 < len(tokens); i++ {
		pair := tokens[i] + tokens[i+1]
		for _, cand := range m.tokens {
			if abs(len(pair)-len(cand)) > maxFuzzyDistance {
				continue
			}
			if levenshtein(pair, cand) <= maxFuzzyDistance {
				det.Match = &Match{Phrase: cand, Kind: MatchBigram, TokenIndex: i + 1}
				det.HasWake = true
				return det
			}
		}
	}

	return det
}

// Remainder returns the normalized text after the matched wake phrase, or ""
// when there is no match or nothing follows it. "hey pal what is rain" yields
// "what is rain".
func (d Detection) Remainder() string {
	if d.Match == nil || d.Match.TokenIndex+1 >= len(d.Tokens) {
		return ""
	}
	return strings.Join(d.Tokens[d.Match.TokenIndex+1:], " ")
}

// HasWakeWord is a convenience wrapper around DetectWake.
func (m *Matcher) HasWakeWord(raw string) bool {
	return m.DetectWake(raw).HasWake
}

// Phrases returns the synthetic single-token wake candidates.
func (m *Matcher) Phrases() []string {
	out := make([]string, len(m.tokens))
	copy(out, m.tokens)
	return out
}

// levenshtein computes the edit distance between two strings using a
// single-row DP.
func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}

	return prev[lb]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
