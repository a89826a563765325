// Package tokenutil estimates token counts for usage metering when an
// execution backend does not report usage itself.
package tokenutil

import "strings"

// Estimate returns a rough token count for content. It takes the larger of a
// word-based estimate (words * 1.33, the English average) and a byte-based
// floor (len/4) so code and CJK text are not undercounted.
func Estimate(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	byWords := int(float64(words) * 1.33)
	byBytes := len(content) / 4
	if byWords > byBytes {
		return byWords
	}
	return byBytes
}
