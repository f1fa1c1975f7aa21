// Package assembler reduces the fragments of one streamed model turn into the evolving message
// state. It knows nothing about transports or storage.
package assembler

import (
	"strings"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
)

// Assembler accumulates the fragments of a single turn. Fragments must be applied in arrival
// order. An Assembler is not safe for concurrent use; one turn is driven by one goroutine.
type Assembler struct {
	text      strings.Builder
	grounding *models.GroundingMetadata
	finalized bool
}

// Snapshot is the immutable state of the message after some fragments were applied.
type Snapshot struct {
	Content   string
	Grounding *models.GroundingMetadata
}

// New returns an Assembler with empty text and no metadata.
func New() *Assembler {
	return &Assembler{}
}

// ApplyFragment appends the fragment's text and, when the fragment carries metadata, replaces the
// current metadata with it. Empty fragments are accepted and still yield a snapshot.
func (a *Assembler) ApplyFragment(f models.Fragment) Snapshot {
	if a.finalized {
		panic("assembler: fragment applied after finalize")
	}
	a.text.WriteString(f.Text)
	if f.Grounding != nil {
		a.grounding = f.Grounding.Clone()
	}
	return a.snapshot()
}

// Finalize ends the turn and returns the final snapshot. It may only be called once.
func (a *Assembler) Finalize() Snapshot {
	if a.finalized {
		panic("assembler: finalize called twice")
	}
	a.finalized = true
	return a.snapshot()
}

func (a *Assembler) snapshot() Snapshot {
	return Snapshot{
		Content:   a.text.String(),
		Grounding: a.grounding.Clone(),
	}
}
