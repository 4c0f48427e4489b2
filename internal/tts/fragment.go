package tts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Default fragment length limits, in characters of normalized text.
const (
	DefaultSoftLimit = 40
	DefaultHardLimit = 80
)

// FragmentOptions bounds the length of fragments produced by SplitWith.
type FragmentOptions struct {
	// Soft is the length after which a clause boundary ends a fragment.
	Soft int
	// Hard is the length no fragment of more than one token may exceed.
	Hard int
}

// DefaultFragmentOptions returns the 40/80 limits.
func DefaultFragmentOptions() FragmentOptions {
	return FragmentOptions{Soft: DefaultSoftLimit, Hard: DefaultHardLimit}
}

// tokenPattern matches a decimal number, a word with optional trailing
// punctuation, or a single punctuation or symbol character.
var tokenPattern = regexp.MustCompile(`\p{N}+(?:[.,:]\p{N}+)+[.,;!?]*|[\p{L}\p{N}\p{M}_']+(?:[.,;!?]+)?|\p{P}|\p{S}`)

// token is a tokenizer match. spaced records whether whitespace preceded it
// in the source, so fragments keep the text as written.
type token struct {
	text   string
	spaced bool
}

func tokenize(text string) []token {
	text = norm.NFC.String(text)
	idx := tokenPattern.FindAllStringIndex(text, -1)
	tokens := make([]token, len(idx))
	prev := 0
	for i, loc := range idx {
		tokens[i] = token{text: text[loc[0]:loc[1]], spaced: loc[0] > prev}
		prev = loc[1]
	}
	return tokens
}

// Split breaks text into fragments using the default limits.
func Split(text string) []string {
	return SplitWith(text, DefaultFragmentOptions())
}

// SplitWith breaks text into fragments at sentence and clause boundaries.
// A fragment ends after sentence punctuation, after clause punctuation once
// it is longer than opts.Soft, and before it would grow past opts.Hard.
// Punctuation glued to the next word, as in "well-known", is not a
// boundary. A single token longer than opts.Hard is emitted on its own.
func SplitWith(text string, opts FragmentOptions) []string {
	if opts.Hard <= 0 {
		opts.Hard = DefaultHardLimit
	}
	if opts.Soft <= 0 || opts.Soft >= opts.Hard {
		opts.Soft = min(DefaultSoftLimit, opts.Hard/2)
	}

	tokens := tokenize(text)

	var (
		fragments []string
		cur       []token
	)
	emit := func(toks []token) {
		if len(toks) == 0 {
			return
		}
		if allPunct(toks) {
			// Trailing punctuation joins the previous fragment when it fits.
			if n := len(fragments); n > 0 {
				joined := fragments[n-1]
				if toks[0].spaced {
					joined += " "
				}
				joined += joinTokens(toks)
				if runeLen(joined) <= opts.Hard {
					fragments[n-1] = joined
				}
			}
			return
		}
		if s := joinTokens(toks); s != "" {
			fragments = append(fragments, s)
		}
	}
	// boundary reports whether a fragment may end before tokens[i].
	boundary := func(i int) bool {
		return i >= len(tokens) || tokens[i].spaced
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if len(cur) > 0 && runeLen(joinTokens(append(cur[:len(cur):len(cur)], tok))) > opts.Hard {
			head, tail := cutAtClause(cur, tok, opts.Hard)
			emit(head)
			cur = tail
		}
		cur = append(cur, tok)

		switch {
		case endsSentence(tok.text):
			for i+1 < len(tokens) && closes(cur, tokens[i+1].text) &&
				runeLen(joinTokens(append(cur[:len(cur):len(cur)], tokens[i+1]))) <= opts.Hard {
				i++
				cur = append(cur, tokens[i])
			}
			if boundary(i + 1) {
				emit(cur)
				cur = nil
			}
		case endsClause(tok.text) && boundary(i+1) && runeLen(joinTokens(cur)) > opts.Soft:
			emit(cur)
			cur = nil
		}
	}
	emit(cur)

	return fragments
}

// cutAtClause splits cur at its last clause boundary when the tokens after
// the boundary still fit alongside next. Otherwise all of cur is returned
// as the head.
func cutAtClause(cur []token, next token, hard int) (head, tail []token) {
	for i := len(cur) - 2; i >= 0; i-- {
		if !endsClause(cur[i].text) || !cur[i+1].spaced {
			continue
		}
		rest := append(cur[i+1:len(cur):len(cur)], next)
		if runeLen(joinTokens(rest)) <= hard {
			tail = make([]token, len(cur)-i-1)
			copy(tail, cur[i+1:])
			return cur[:i+1], tail
		}
		break
	}
	return cur, nil
}

// closes reports whether tok closes a bracket or quote left open in cur.
func closes(cur []token, tok string) bool {
	switch tok {
	case `"`:
		return quoteOpen(cur)
	case ")", "]", "}":
		return true
	}
	return false
}

func quoteOpen(tokens []token) bool {
	n := 0
	for _, tok := range tokens {
		if tok.text == `"` {
			n++
		}
	}
	return n%2 == 1
}

// joinTokens rebuilds the text of tokens, with a single space wherever the
// source had whitespace.
func joinTokens(tokens []token) string {
	var b strings.Builder
	for i, tok := range tokens {
		if i > 0 && tok.spaced {
			b.WriteByte(' ')
		}
		b.WriteString(tok.text)
	}
	return b.String()
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func endsSentence(tok string) bool {
	return strings.ContainsAny(lastRune(tok), ".!?")
}

func endsClause(tok string) bool {
	return strings.ContainsAny(lastRune(tok), ",;-/")
}

func lastRune(tok string) string {
	r := []rune(tok)
	if len(r) == 0 {
		return ""
	}
	return string(r[len(r)-1])
}

// allPunct reports whether toks has nothing worth speaking.
func allPunct(toks []token) bool {
	for _, tok := range toks {
		if !isPunct(tok.text) {
			return false
		}
	}
	return true
}

func isPunct(tok string) bool {
	r := []rune(tok)
	return len(r) == 1 && (unicode.IsPunct(r[0]) || unicode.IsSymbol(r[0]))
}
