// Package filter applies content filtering to player-authored text.
//
// Apply runs a fixed pipeline: compatibility normalization, profanity
// masking, link stripping, shout and repeat heuristics, then whitespace
// trimming. The pipeline is pure; callers decide what to do with the
// filtered result.
package filter

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/pennyrealm/pennyrealm/internal/errors"
)

// linkRemovedToken replaces any URL-like token.
const linkRemovedToken = "[link removed]"

// profanityList is the fixed wordlist masked in player text. Matches are
// case-insensitive and masked with same-length asterisk runs.
var profanityList = []string{
	"damn",
	"hell",
	"crap",
	"bastard",
	"bugger",
	"bloody",
	"arse",
	"wanker",
	"tosser",
}

var linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+)`)

// ErrEmptyAfterFilter indicates the text had no content left once filtered.
var ErrEmptyAfterFilter = errors.New(errors.CodeEmptyAfterFilter, "message is empty after filtering")

// Result is the outcome of one filter pass.
type Result struct {
	Text        string
	WasFiltered bool
}

// Apply runs the filter pipeline over text. It returns ErrEmptyAfterFilter
// when nothing printable survives.
func Apply(text string) (Result, error) {
	filtered := false

	// NFKC folds compatibility forms (full-width letters, ligatures) so
	// the wordlist cannot be dodged with lookalike code points.
	normalized := norm.NFKC.String(text)
	if normalized != text {
		filtered = true
	}
	text = normalized

	masked := maskProfanity(text)
	if masked != text {
		filtered = true
	}
	text = masked

	stripped := linkPattern.ReplaceAllString(text, linkRemovedToken)
	if stripped != text {
		filtered = true
	}
	text = stripped

	lowered := lowerShouting(text)
	if lowered != text {
		filtered = true
	}
	text = lowered

	collapsed := collapseRepeats(text)
	if collapsed != text {
		filtered = true
	}
	text = collapsed

	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyAfterFilter
	}
	return Result{Text: text, WasFiltered: filtered}, nil
}

// maskProfanity compares rune-wise so case folding cannot shift positions:
// lowercasing runes like U+0130 changes their byte length, and byte offsets
// into the folded string would misalign against the original.
func maskProfanity(text string) string {
	runes := []rune(text)
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	for _, word := range profanityList {
		target := []rune(word)
		for start := 0; start+len(target) <= len(runes); {
			match := true
			for i, r := range target {
				if lower[start+i] != r {
					match = false
					break
				}
			}
			if !match {
				start++
				continue
			}
			for i := range target {
				runes[start+i] = '*'
				lower[start+i] = '*'
			}
			start += len(target)
		}
	}
	return string(runes)
}

// lowerShouting lowercases text when more than 70% of its alphabetic runes
// are uppercase and the text is longer than 10 runes.
func lowerShouting(text string) string {
	var alpha, upper, total int
	for _, r := range text {
		total++
		if unicode.IsLetter(r) {
			alpha++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if total <= 10 || alpha == 0 {
		return text
	}
	if float64(upper)/float64(alpha) > 0.7 {
		return strings.ToLower(text)
	}
	return text
}

// collapseRepeats reduces any run of 6 or more identical runes to 3.
func collapseRepeats(text string) string {
	var builder strings.Builder
	builder.Grow(len(text))

	var last rune
	run := 0
	flush := func() {
		keep := run
		if keep >= 6 {
			keep = 3
		}
		for i := 0; i < keep; i++ {
			builder.WriteRune(last)
		}
	}
	for _, r := range text {
		if run > 0 && r == last {
			run++
			continue
		}
		flush()
		last = r
		run = 1
	}
	flush()
	return builder.String()
}
