package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail folds compatibility characters (full-width letters, ligatures)
// and case so that visually identical addresses compare equal.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}

// NormalizeSecret applies NFKC without case folding. Passwords typed on
// different keyboards or IMEs then produce identical bytes.
func NormalizeSecret(s string) string {
	return norm.NFKC.String(s)
}
