// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package job

// Mode governs how a new transaction meets jobs already in the queue.
type Mode string

const (
	// ModeFail rejects the transaction if any of its jobs collides with
	// a queued job it cannot merge with.
	ModeFail Mode = "fail"

	// ModeReplace discards colliding queued jobs in favour of the new
	// transaction.
	ModeReplace Mode = "replace"

	// ModeReplaceIrreversibly is ModeReplace, and additionally marks
	// the installed jobs so that later transactions cannot replace
	// them. Used for transitions that must not be backed out of, like
	// shutdown.
	ModeReplaceIrreversibly Mode = "replace-irreversibly"

	// ModeIsolate is ModeReplace, and additionally stops every active
	// unit that has no job in the new transaction and is not marked to
	// survive isolation.
	ModeIsolate Mode = "isolate"

	// ModeFlush first cancels the entire queue, then installs the new
	// transaction into the emptied queue.
	ModeFlush Mode = "flush"
)

func (m Mode) String() string {
	return string(m)
}

// Valid reports whether the mode is part of the vocabulary.
func (m Mode) Valid() bool {
	switch m {
	case ModeFail, ModeReplace, ModeReplaceIrreversibly, ModeIsolate, ModeFlush:
		return true
	}
	return false
}
