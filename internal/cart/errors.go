package cart

import (
	"errors"
	"fmt"
	"strings"

	"decider/api/internal/taxonomy"
)

var (
	ErrEntryNotFound   = errors.New("cart entry not found")
	ErrEmptyCart       = errors.New("cart is empty")
	ErrMismatchPending = errors.New("cart version does not match the active version")
	ErrNoMismatch      = errors.New("no version mismatch to resolve")
	ErrInvalidTitle    = errors.New("cart title must not be empty")
	ErrTitleUnchanged  = errors.New("cart title is unchanged")
	ErrUnknownShape    = errors.New("unknown cart shape")
	ErrUnknownChoice   = errors.New("unknown resolution choice")
)

// ValidationError describes the first violation found in a payload.
type ValidationError struct {
	Shape  Shape
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s cart malformed: %s", e.Shape, e.Reason)
	}
	return fmt.Sprintf("%s cart malformed: %q %s", e.Shape, e.Field, e.Reason)
}

// VersionMismatchError is returned when an entry of one version is added to
// a cart of another.
type VersionMismatchError struct {
	CartVersion string
	Requested   string
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("You tried adding a Technique from Enterprise %s to a Cart for Enterprise %s. This does not work.",
		e.Requested, e.CartVersion)
}

// UnknownPairsError lists imported pairs the taxonomy does not define.
type UnknownPairsError struct {
	Version string
	Pairs   []taxonomy.Pair
}

func (e *UnknownPairsError) Error() string {
	keys := make([]string, len(e.Pairs))
	for i, p := range e.Pairs {
		keys[i] = p.TacticID + "/" + p.TechniqueID
	}
	return fmt.Sprintf("Cannot load this cart. It contains invalid Tactic + Technique pairs for %s: %s",
		e.Version, strings.Join(keys, ", "))
}
