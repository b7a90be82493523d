// Package tokenizer provides the word-level tokenization used for embedding
// windows and LLM budget accounting. Words and punctuation count as separate
// tokens, which tracks model tokenizers closely enough for windowing and
// budget decisions without loading a vocabulary.
package tokenizer

import "unicode"

// Token is one token's byte range within the original string.
type Token struct {
	Start int
	End   int
}

// Tokenize splits s into word and punctuation tokens with byte offsets.
func Tokenize(s string) []Token {
	var tokens []Token
	wordStart := -1

	flush := func(end int) {
		if wordStart >= 0 {
			tokens = append(tokens, Token{Start: wordStart, End: end})
			wordStart = -1
		}
	}

	for i, r := range s {
		switch {
		case unicode.IsSpace(r):
			flush(i)
		case unicode.IsPunct(r):
			flush(i)
			tokens = append(tokens, Token{Start: i, End: i + len(string(r))})
		default:
			if wordStart < 0 {
				wordStart = i
			}
		}
	}
	flush(len(s))

	return tokens
}

// CountTokens returns the token count of s without materializing offsets.
func CountTokens(s string) int {
	inWord := false
	count := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			if inWord {
				count++
				inWord = false
			}
		} else if unicode.IsPunct(r) {
			if inWord {
				count++
				inWord = false
			}
			count++
		} else {
			inWord = true
		}
	}
	if inWord {
		count++
	}
	return count
}

// Windows slices s into token windows of at most maxLength tokens, with
// stride tokens of overlap between consecutive windows. Each window is the
// original text spanning its first token's start to its last token's end,
// so source order and content are preserved. A text that fits one window
// returns a single element equal to its trimmed token span.
func Windows(s string, maxLength, stride int) []string {
	if maxLength <= 0 {
		return nil
	}
	if stride < 0 || stride >= maxLength {
		stride = 0
	}

	tokens := Tokenize(s)
	if len(tokens) == 0 {
		return nil
	}

	step := maxLength - stride
	var windows []string
	for start := 0; start < len(tokens); start += step {
		end := start + maxLength
		if end > len(tokens) {
			end = len(tokens)
		}
		windows = append(windows, s[tokens[start].Start:tokens[end-1].End])
		if end == len(tokens) {
			break
		}
	}
	return windows
}
