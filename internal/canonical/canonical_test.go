// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package canonical

import "testing"

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"whitespace only", "   \t\n  ", ""},
		{"trims and uppercases", "  abc-123  ", "ABC-123"},
		{"collapses internal whitespace", "main   warehouse \t north", "MAIN WAREHOUSE NORTH"},
		{"strips diacritics", "Crème Brûlée", "CREME BRULEE"},
		{"ring above decomposes", "Århus", "ARHUS"},
		{"slashed O substitution", "Søren Ørsted", "SOREN ORSTED"},
		{"ae ligature", "Ærø", "AERO"},
		{"eszett", "Straße", "STRASSE"},
		{"punctuation preserved", "A/B-1.2_C", "A/B-1.2_C"},
		{"already canonical", "SUPPLIER-42", "SUPPLIER-42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.in); got != tt.want {
				t.Errorf("Key(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestKey_Idempotent verifies that canonicalizing a canonical form is a
// no-op. Cache keys and hash inputs pass through Key at multiple layers,
// so a non-idempotent Key would make them diverge.
func TestKey_Idempotent(t *testing.T) {
	inputs := []string{"  Søren  Ørsted ", "Crème-Brûlée/2", "plain text", "Ærø Straße"}
	for _, in := range inputs {
		once := Key(in)
		twice := Key(once)
		if once != twice {
			t.Errorf("Key not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}

func TestKey_CaseInsensitive(t *testing.T) {
	if Key("abc-1") != Key("Abc-1") || Key("abc-1") != Key("ABC-1") {
		t.Errorf("expected case-insensitive canonical keys, got %q / %q / %q",
			Key("abc-1"), Key("Abc-1"), Key("ABC-1"))
	}
}

func TestKeyAll(t *testing.T) {
	got := KeyAll([]string{" a ", "Ø", ""})
	want := []string{"A", "O", ""}
	if len(got) != len(want) {
		t.Fatalf("KeyAll length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("KeyAll[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
