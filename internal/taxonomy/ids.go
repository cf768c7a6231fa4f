// Package taxonomy holds the tactic/technique reference data the rest of the
// system validates against, and the client for the service that serves it.
package taxonomy

import (
	"regexp"
	"strings"
)

// RootNode is the overview node; every other node is a technique or tactic id.
const RootNode = "start"

var (
	techniqueIDPattern = regexp.MustCompile(`^T[0-9]{4}(\.[0-9]{3})?$`)
	tacticIDPattern    = regexp.MustCompile(`^TA[0-9]{4}$`)
	versionPattern     = regexp.MustCompile(`^v[0-9]{1,10}\.[0-9]{1,10}$`)
)

func IsTechniqueID(id string) bool { return techniqueIDPattern.MatchString(id) }

func IsTacticID(id string) bool { return tacticIDPattern.MatchString(id) }

func IsVersion(version string) bool { return versionPattern.MatchString(version) }

// IsSubtechnique reports whether id names a sub-technique (T####.###).
func IsSubtechnique(id string) bool {
	return IsTechniqueID(id) && strings.Contains(id, ".")
}

// BaseTechniqueID strips the sub-technique suffix, if any.
func BaseTechniqueID(id string) string {
	base, _, _ := strings.Cut(id, ".")
	return base
}

// Pair identifies one cart-able (technique, tactic) combination.
type Pair struct {
	TechniqueID string `json:"techniqueId"`
	TacticID    string `json:"tacticId"`
}

// Key renders the pair the way report usage lookups are keyed.
func (p Pair) Key() string {
	return p.TacticID + "--" + p.TechniqueID
}
