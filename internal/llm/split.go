package llm

import (
	"strings"

	"github.com/aransky/memoir/internal/tokenizer"
)

// overlapWords is how many trailing words each split shares with the next
// one, so sentence fragments at a boundary survive in at least one chunk.
const overlapWords = 10

// splitText splits content on whitespace into ceil(total/max)+2
// approximately equal byte-length parts with overlapWords words of overlap
// between consecutive parts.
func splitText(content string, maxTokens int) []string {
	total := tokenizer.CountTokens(content)
	if total <= maxTokens {
		return []string{content}
	}

	numParts := (total+maxTokens-1)/maxTokens + 2
	words := strings.Fields(content)
	if len(words) == 0 {
		return []string{content}
	}
	targetBytes := len(content) / numParts

	var parts []string
	var buf strings.Builder
	var start int
	for i, word := range words {
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(word)

		if buf.Len() >= targetBytes && i < len(words)-1 {
			parts = append(parts, buf.String())
			buf.Reset()
			// Step back for overlap with the next part.
			start = i + 1 - overlapWords
			if start < 0 {
				start = 0
			}
			for j := start; j <= i; j++ {
				if buf.Len() > 0 {
					buf.WriteByte(' ')
				}
				buf.WriteString(words[j])
			}
		}
	}
	if buf.Len() > 0 {
		parts = append(parts, buf.String())
	}
	return parts
}

// truncateToBudget returns the longest whitespace-delimited prefix of text
// whose token count does not exceed maxTokens.
func truncateToBudget(text string, maxTokens int) string {
	if tokenizer.CountTokens(text) <= maxTokens {
		return text
	}

	// Token counts of whitespace-joined words are additive, so the prefix
	// can be grown incrementally instead of recounting the buffer.
	var buf strings.Builder
	used := 0
	for _, word := range strings.Fields(text) {
		n := tokenizer.CountTokens(word)
		if used+n > maxTokens {
			break
		}
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(word)
		used += n
	}
	return buf.String()
}
