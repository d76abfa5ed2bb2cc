// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/syncbridge/syncbridge/internal/canonical"
)

// fieldSeparator keeps adjacent values from colliding: ("AB","C") must
// not hash like ("A","BC"). U+001F never appears in canonical output.
const fieldSeparator = "\x1f"

// ComputeHash produces the deterministic fingerprint over exactly the
// fields that determine remote-side equivalence for an entity kind.
//
// One generic routine serves all five kinds; callers pass the ordered
// list of hash-relevant values for their kind. The field order per kind
// is fixed by the caller's construction site and must never change, or
// every existing mapping would report drift. Values are canonicalized
// here, so incidental casing or whitespace differences in the source
// never force a resync.
//
// Display names, timestamps, and the remote numeric id are deliberately
// not part of any kind's field list: the numeric id is learned output of
// a sync, not an input, and including it would make the first successful
// sync immediately invalidate its own hash.
func ComputeHash(kind EntityKind, localID int64, values ...string) string {
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteString(fieldSeparator)
	b.WriteString(strconv.FormatInt(localID, 10))
	for _, v := range values {
		b.WriteString(fieldSeparator)
		b.WriteString(canonical.Key(v))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
