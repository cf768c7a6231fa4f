package export

import (
	"encoding/json"
	"fmt"
	"strings"

	"decider/api/internal/cart"
	"decider/api/internal/taxonomy"
)

const (
	navigatorVersion = "4.9.1"
	layerVersion     = "4.5"
	navigatorDomain  = "enterprise-attack"
	presentColor     = "#e60d0d"
	noComment        = "-no comment-"
)

// Platforms are fixed to the enterprise domain.
var navigatorPlatforms = []string{
	"Linux", "macOS", "Windows", "Azure AD", "Office 365", "SaaS", "IaaS",
	"Google Workspace", "PRE", "Network", "Containers",
}

type Layer struct {
	Name                          string           `json:"name"`
	Versions                      LayerVersions    `json:"versions"`
	Domain                        string           `json:"domain"`
	Description                   string           `json:"description"`
	Filters                       LayerFilters     `json:"filters"`
	Sorting                       int              `json:"sorting"`
	Layout                        LayerLayout      `json:"layout"`
	HideDisabled                  bool             `json:"hideDisabled"`
	Techniques                    []LayerTechnique `json:"techniques"`
	Gradient                      LayerGradient    `json:"gradient"`
	LegendItems                   []any            `json:"legendItems"`
	Metadata                      []any            `json:"metadata"`
	Links                         []any            `json:"links"`
	ShowTacticRowBackground       bool             `json:"showTacticRowBackground"`
	TacticRowBackground           string           `json:"tacticRowBackground"`
	SelectTechniquesAcrossTactics bool             `json:"selectTechniquesAcrossTactics"`
	SelectSubtechniquesWithParent bool             `json:"selectSubtechniquesWithParent"`
	SelectVisibleTechniques       bool             `json:"selectVisibleTechniques"`
}

type LayerVersions struct {
	Attack    string `json:"attack"`
	Navigator string `json:"navigator"`
	Layer     string `json:"layer"`
}

type LayerFilters struct {
	Platforms []string `json:"platforms"`
}

type LayerLayout struct {
	Layout                string `json:"layout"`
	AggregateFunction     string `json:"aggregateFunction"`
	ShowID                bool   `json:"showID"`
	ShowName              bool   `json:"showName"`
	ShowAggregateScores   bool   `json:"showAggregateScores"`
	CountUnscored         bool   `json:"countUnscored"`
	ExpandedSubtechniques string `json:"expandedSubtechniques"`
}

type LayerTechnique struct {
	TechniqueID       string `json:"techniqueID"`
	Tactic            string `json:"tactic"`
	Color             string `json:"color"`
	Comment           string `json:"comment"`
	Enabled           bool   `json:"enabled"`
	Metadata          []any  `json:"metadata"`
	Links             []any  `json:"links"`
	ShowSubtechniques bool   `json:"showSubtechniques"`
}

type LayerGradient struct {
	Colors   []string `json:"colors"`
	MinValue int      `json:"minValue"`
	MaxValue int      `json:"maxValue"`
}

// TacticShortname approximates the ATT&CK x_mitre_shortname from a display name.
func TacticShortname(tacticName string) string {
	return strings.ReplaceAll(strings.ToLower(tacticName), " ", "-")
}

// attackMajor turns "v14.1" into "14".
func attackMajor(version string) string {
	major, _, _ := strings.Cut(strings.ReplaceAll(version, "v", ""), ".")
	return major
}

type layerKey struct {
	techniqueID string
	tactic      string
}

// BuildLayer maps cart entries onto Navigator technique annotations. Entries
// sharing a (technique, tactic) cell merge their notes; a sub-technique asks its
// base technique to show sub-techniques, adding an uncolored base cell if needed.
func BuildLayer(c cart.Cart) Layer {
	var order []layerKey
	comments := make(map[layerKey][]string)
	showSubs := make(map[layerKey]bool)
	seen := make(map[layerKey]bool)
	remember := func(k layerKey) {
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}

	for _, e := range c.Entries {
		tactic := TacticShortname(e.TacticName)
		key := layerKey{techniqueID: e.TechniqueID, tactic: tactic}
		if taxonomy.IsSubtechnique(e.TechniqueID) {
			showSubs[layerKey{techniqueID: taxonomy.BaseTechniqueID(e.TechniqueID), tactic: tactic}] = true
		}
		if _, ok := comments[key]; !ok {
			comments[key] = []string{}
		}
		if note := strings.TrimSpace(e.Notes); note != "" {
			comments[key] = append(comments[key], note)
		}
		remember(key)
	}
	// base cells only referenced by their sub-techniques come after present cells
	for _, e := range c.Entries {
		if !taxonomy.IsSubtechnique(e.TechniqueID) {
			continue
		}
		remember(layerKey{techniqueID: taxonomy.BaseTechniqueID(e.TechniqueID), tactic: TacticShortname(e.TacticName)})
	}

	techniques := make([]LayerTechnique, 0, len(order))
	for _, k := range order {
		t := LayerTechnique{
			TechniqueID:       k.techniqueID,
			Tactic:            k.tactic,
			Enabled:           true,
			Metadata:          []any{},
			Links:             []any{},
			ShowSubtechniques: showSubs[k],
		}
		if notes, present := comments[k]; present {
			t.Color = presentColor
			t.Comment = strings.Join(notes, ",\n")
			if t.Comment == "" {
				t.Comment = noComment
			}
		}
		techniques = append(techniques, t)
	}

	return Layer{
		Name: "layer",
		Versions: LayerVersions{
			Attack:    attackMajor(c.Version),
			Navigator: navigatorVersion,
			Layer:     layerVersion,
		},
		Domain:  navigatorDomain,
		Filters: LayerFilters{Platforms: append([]string(nil), navigatorPlatforms...)},
		Layout: LayerLayout{
			Layout:                "side",
			AggregateFunction:     "average",
			ShowName:              true,
			ExpandedSubtechniques: "annotated",
		},
		Techniques: techniques,
		Gradient: LayerGradient{
			Colors:   []string{"#ff6666ff", "#ffe766ff", "#8ec843ff"},
			MaxValue: 100,
		},
		LegendItems:         []any{},
		Metadata:            []any{},
		Links:               []any{},
		TacticRowBackground: "#dddddd",
	}
}

// NavigatorFile renders the cart as an ATT&CK Navigator layer file.
func NavigatorFile(c cart.Cart) (*Artifact, error) {
	if err := requireEntries(c, "a Navigator layer"); err != nil {
		return nil, err
	}
	data, err := json.Marshal(BuildLayer(c))
	if err != nil {
		return nil, fmt.Errorf("encode navigator layer: %w", err)
	}
	return &Artifact{
		Kind:     KindNavigator,
		Data:     data,
		Filename: filename("Navigator", c, "json"),
		MimeType: "application/json",
	}, nil
}
