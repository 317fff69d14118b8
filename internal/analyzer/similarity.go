// Package analyzer scores how closely two short strings, such as a product
// name from page markup and the name being looked for, resemble each other.
package analyzer

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Normalize lowercases s and collapses every whitespace run to one space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Similarity returns 1 - d/max(1, max(len(a), len(b))) where d is the
// character edit distance between the normalized inputs. The result lies in
// [0, 1], is symmetric, and is 1 for identical inputs.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == b {
		return 1
	}
	longest := max(1, utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

// Best returns the highest Similarity between target and any candidate, and
// the index of that candidate. It returns (0, -1) for no candidates.
func Best(target string, candidates []string) (float64, int) {
	best, idx := 0.0, -1
	for i, c := range candidates {
		if s := Similarity(target, c); s > best || idx < 0 {
			best, idx = s, i
		}
	}
	return best, idx
}
