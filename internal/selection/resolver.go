// Package selection maps a free-text utterance onto one entry of a
// previously presented candidate list, by ordinal or by name.
package selection

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// ErrNoMatch is returned when an utterance does not identify a candidate.
var ErrNoMatch = errors.New("no matching candidate")

// Candidate is one option shown to the user.
type Candidate struct {
	Position    int    `json:"position"`
	DisplayName string `json:"display_name"`
	OpaqueID    string `json:"opaque_id"`
}

// Set is a named candidate list, such as the pharmacies surfaced in a turn.
type Set struct {
	Kind       string      `json:"kind"`
	Candidates []Candidate `json:"candidates"`
}

// Tier identifies which resolution rule produced a match.
type Tier string

const (
	TierNone    Tier = "none"
	TierOrdinal Tier = "ordinal"
	TierName    Tier = "name"
)

// Match is the detailed outcome of a resolution.
type Match struct {
	OpaqueID string
	Index    int
	Tier     Tier
}

// OK reports whether a candidate was selected.
func (m Match) OK() bool { return m.Tier != TierNone }

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	"eleventh": 11, "twelfth": 12, "thirteenth": 13, "fourteenth": 14, "fifteenth": 15,
	"sixteenth": 16, "seventeenth": 17, "eighteenth": 18, "nineteenth": 19, "twentieth": 20,
}

// cardinalWords count as positions only after a selector word or on their
// own, so "that one" is not read as the first candidate.
var cardinalWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
	"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19, "twenty": 20,
}

var selectorWords = map[string]bool{"number": true, "no": true, "option": true, "choice": true}

// Resolve returns the opaque id of the candidate the utterance refers to.
// Ordinals are tried first, then names; ties go to the earliest candidate.
func Resolve(utterance string, candidates []Candidate) (string, bool) {
	m := ResolveDetailed(utterance, candidates)
	return m.OpaqueID, m.OK()
}

// ResolveErr is Resolve with ErrNoMatch in place of the boolean.
func ResolveErr(utterance string, candidates []Candidate) (string, error) {
	id, ok := Resolve(utterance, candidates)
	if !ok {
		return "", ErrNoMatch
	}
	return id, nil
}

// ResolveDetailed is Resolve with the matched index and tier.
func ResolveDetailed(utterance string, candidates []Candidate) Match {
	none := Match{Index: -1, Tier: TierNone}
	if len(candidates) == 0 || strings.TrimSpace(utterance) == "" {
		return none
	}

	tokens := tokenize(utterance)
	for _, n := range ordinals(tokens, nameSpans(tokens, candidates), len(candidates)) {
		if n >= 1 && n <= len(candidates) {
			return Match{OpaqueID: candidates[n-1].OpaqueID, Index: n - 1, Tier: TierOrdinal}
		}
	}

	u := strings.Join(tokens, " ")
	for i, c := range candidates {
		name := strings.Join(tokenize(c.DisplayName), " ")
		if name == "" || u == "" {
			continue
		}
		if strings.Contains(name, u) || strings.Contains(u, name) {
			return Match{OpaqueID: c.OpaqueID, Index: i, Tier: TierName}
		}
	}
	return none
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ordinals returns every ordinal the tokens express, in order of appearance.
// Tokens inside masked spans belong to a spoken candidate name and are
// never read as positions.
func ordinals(tokens []string, masked []bool, size int) []int {
	var out []int
	for i, tok := range tokens {
		if masked[i] {
			continue
		}
		if tok == "last" {
			out = append(out, size)
			continue
		}
		if n, ok := ordinalWords[tok]; ok {
			out = append(out, n)
			continue
		}
		if n, ok := cardinalWords[tok]; ok {
			if len(tokens) == 1 || (i > 0 && selectorWords[tokens[i-1]]) {
				out = append(out, n)
			}
			continue
		}
		if n, ok := numeric(tok); ok {
			out = append(out, n)
		}
	}
	return out
}

// nameSpans marks the utterance tokens that spell out a candidate name, or
// a multi-token fragment of one, so "cvs pharmacy #3" names a store rather
// than picking the third entry.
func nameSpans(tokens []string, candidates []Candidate) []bool {
	masked := make([]bool, len(tokens))
	for _, c := range candidates {
		name := tokenize(c.DisplayName)
		if len(name) == 0 {
			continue
		}
		if i := indexTokens(tokens, name); i >= 0 {
			for j := i; j < i+len(name); j++ {
				masked[j] = true
			}
			continue
		}
		if len(tokens) > 1 && indexTokens(name, tokens) >= 0 {
			for j := range masked {
				masked[j] = true
			}
		}
	}
	return masked
}

// indexTokens returns the start of the first run of sub inside tokens, or -1.
func indexTokens(tokens, sub []string) int {
	for i := 0; i+len(sub) <= len(tokens); i++ {
		match := true
		for j := range sub {
			if tokens[i+j] != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// numeric parses "3" and suffixed forms like "3rd" or "21st".
func numeric(tok string) (int, bool) {
	digits := strings.TrimRightFunc(tok, unicode.IsLetter)
	if digits == "" {
		return 0, false
	}
	suffix := tok[len(digits):]
	switch suffix {
	case "", "st", "nd", "rd", "th":
	default:
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Find returns the set of the given kind, or nil.
func Find(sets []Set, kind string) *Set {
	for i := range sets {
		if sets[i].Kind == kind {
			return &sets[i]
		}
	}
	return nil
}

// Number assigns 1-based positions in list order.
func Number(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	for i, c := range candidates {
		c.Position = i + 1
		out[i] = c
	}
	return out
}
