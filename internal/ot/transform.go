// Package ot rebases position-based operations against concurrent ones. It is
// advisory: the replicated text in package crdt is the authority for merge,
// while clients use these transforms to adjust in-flight edits composed
// against a stale revision.
package ot

import "github.com/M4F-S/codex-live/internal/types"

// Transform rebases op against a set of operations concurrent with it,
// folding left in the order the concurrent ops were applied. The result is
// the operation with positions adjusted so its effect on the rebased state
// matches its intent against the original state.
func Transform(op types.Operation, concurrent []types.Operation) types.Operation {
	for _, other := range concurrent {
		op = transformOne(op, other)
	}
	return op
}

func transformOne(op, against types.Operation) types.Operation {
	switch op.Kind {
	case types.OpInsert:
		switch against.Kind {
		case types.OpInsert:
			return insertOverInsert(op, against)
		case types.OpDelete:
			return insertOverDelete(op, against)
		}
	case types.OpDelete:
		switch against.Kind {
		case types.OpInsert:
			return deleteOverInsert(op, against)
		case types.OpDelete:
			return deleteOverDelete(op, against)
		}
	}
	// Retain has no positional effect in either direction.
	return op
}

func insertOverInsert(op, against types.Operation) types.Operation {
	otherLen := len([]rune(against.Content))
	switch {
	case against.Position < op.Position:
		op.Position += otherLen
	case against.Position == op.Position && against.Before(op):
		// Equal positions tie-break by (site, lamport): the smaller
		// identity stays left.
		op.Position += otherLen
	}
	return op
}

func insertOverDelete(op, against types.Operation) types.Operation {
	if against.Position < op.Position {
		shift := op.Position - against.Position
		if against.Length < shift {
			shift = against.Length
		}
		op.Position -= shift
	}
	return op
}

func deleteOverInsert(op, against types.Operation) types.Operation {
	otherLen := len([]rune(against.Content))
	switch {
	case against.Position <= op.Position:
		op.Position += otherLen
	case against.Position < op.Position+op.Length:
		// Insert landed inside the deleted span; widen to cover it.
		op.Length += otherLen
	}
	return op
}

func deleteOverDelete(op, against types.Operation) types.Operation {
	opEnd := op.Position + op.Length
	otherEnd := against.Position + against.Length

	// Portion of the other delete strictly before our start shifts us left.
	before := 0
	if against.Position < op.Position {
		before = min(otherEnd, op.Position) - against.Position
		if before < 0 {
			before = 0
		}
	}

	// Overlap of the two spans shrinks our length.
	overlap := min(opEnd, otherEnd) - max(op.Position, against.Position)
	if overlap < 0 {
		overlap = 0
	}

	op.Position -= before
	op.Length -= overlap
	if op.Length < 0 {
		op.Length = 0
	}
	return op
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
