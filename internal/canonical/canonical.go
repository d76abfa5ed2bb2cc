// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package canonical provides the single normalization routine backing
// lookup cache keys, outbound payload values, and ledger hash inputs.
//
// Every call site that needs a normalized form MUST go through Key.
// Divergent normalization between cache keys and payload values silently
// breaks cache hits and idempotency, which is exactly the failure mode
// this package exists to prevent.
package canonical

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// substitutions covers glyphs that survive both uppercasing and
// combining-mark removal because they are standalone letters, not
// base+diacritic compositions. NFD cannot decompose them.
var substitutions = map[rune]string{
	'Ø': "O",
	'Æ': "AE",
	'Œ': "OE",
	'Đ': "D",
	'Ð': "D",
	'Þ': "TH",
	'ß': "SS", // strings.ToUpper leaves U+00DF unchanged
	'Ł': "L",
}

// stripMarks removes combining diacritical marks after NFD decomposition,
// then recomposes. "É" becomes "E", "Å" becomes "A".
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Key normalizes a raw external identifier or name into its canonical
// form: trimmed, internal whitespace collapsed to single spaces,
// uppercased, diacritics stripped, and domain glyphs substituted.
// Punctuation is preserved.
//
// Pure and total: never errors, nil-equivalent/empty input yields "".
func Key(raw string) string {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return ""
	}

	s = strings.ToUpper(s)

	if stripped, _, err := transform.String(stripMarks, s); err == nil {
		s = stripped
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if sub, ok := substitutions[r]; ok {
			b.WriteString(sub)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// KeyAll normalizes a slice of values in order.
func KeyAll(raw []string) []string {
	out := make([]string, len(raw))
	for i, v := range raw {
		out[i] = Key(v)
	}
	return out
}
