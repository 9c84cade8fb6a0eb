package memory

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
)

const (
	maxFragments   = 100
	fragmentWindow = 6
)

type token struct {
	stem       string
	start, end int
}

type span struct{ first, last int }

// analyze splits text into lowercase word tokens and stems them.
func analyze(text string) []token {
	var toks []token
	start := -1
	for i, r := range text {
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case word && start < 0:
			start = i
		case !word && start >= 0:
			toks = append(toks, newToken(text, start, i))
			start = -1
		}
	}
	if start >= 0 {
		toks = append(toks, newToken(text, start, len(text)))
	}
	return toks
}

func newToken(text string, start, end int) token {
	return token{stem: english.Stem(strings.ToLower(text[start:end]), false), start: start, end: end}
}

func stems(toks []token) []string {
	out := make([]string, len(toks))
	for i, t := range toks {
		out[i] = t.stem
	}
	return out
}

// matchPhrase returns every contiguous occurrence of phrase in toks.
func matchPhrase(toks []token, phrase []string) []span {
	if len(phrase) == 0 {
		return nil
	}
	var hits []span
outer:
	for i := 0; i+len(phrase) <= len(toks); i++ {
		for j, p := range phrase {
			if toks[i+j].stem != p {
				continue outer
			}
		}
		hits = append(hits, span{first: i, last: i + len(phrase) - 1})
	}
	return hits
}

// matchTerms returns every token whose stem is one of terms.
func matchTerms(toks []token, terms []string) []span {
	set := make(map[string]bool, len(terms))
	for _, t := range terms {
		set[t] = true
	}
	var hits []span
	for i, t := range toks {
		if set[t.stem] {
			hits = append(hits, span{first: i, last: i})
		}
	}
	return hits
}

// highlight cuts fragments around hits, wrapping each hit in <mark> tags.
// Hits whose context windows overlap share a fragment.
func highlight(text string, toks []token, hits []span) []string {
	if len(hits) == 0 {
		return nil
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].first < hits[j].first })

	var fragments []string
	for i := 0; i < len(hits) && len(fragments) < maxFragments; {
		from := max(0, hits[i].first-fragmentWindow)
		to := min(len(toks)-1, hits[i].last+fragmentWindow)
		j := i + 1
		for j < len(hits) && hits[j].first <= to {
			to = min(len(toks)-1, max(to, hits[j].last+fragmentWindow))
			j++
		}

		var b strings.Builder
		pos := toks[from].start
		for _, h := range hits[i:j] {
			s, e := toks[h.first].start, toks[h.last].end
			if s < pos {
				continue
			}
			b.WriteString(text[pos:s])
			b.WriteString("<mark>")
			b.WriteString(text[s:e])
			b.WriteString("</mark>")
			pos = e
		}
		b.WriteString(text[pos:toks[to].end])
		fragments = append(fragments, collapseSpace(b.String()))
		i = j
	}
	return fragments
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
