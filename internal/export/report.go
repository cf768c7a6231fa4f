package export

import (
	"context"
	"fmt"
	"time"

	"decider/api/internal/cart"
	"decider/api/internal/taxonomy"
)

// Sorter orders and validates a redacted cart for report layout.
type Sorter interface {
	SortCart(ctx context.Context, version string, pairs []taxonomy.Pair) ([]taxonomy.SortedTactic, error)
}

// usageLookup maps "tacticId--techniqueId" to every note recorded for the pair.
func usageLookup(c cart.Cart) map[string][]string {
	lookup := make(map[string][]string, len(c.Entries))
	for _, e := range c.Entries {
		key := e.Pair().Key()
		lookup[key] = append(lookup[key], e.Notes)
	}
	return lookup
}

// BuildReport asks the sorter for the tactic/technique layout of the cart and
// attaches the usage notes to each technique.
func BuildReport(ctx context.Context, sorter Sorter, c cart.Cart, appVersion string, now time.Time) (ReportData, error) {
	redacted := c.ToRedacted()
	sorted, err := sorter.SortCart(ctx, redacted.Version, redacted.Entries)
	if err != nil {
		return ReportData{}, fmt.Errorf("%w: %v", ErrSortFailed, err)
	}

	lookup := usageLookup(c)
	data := ReportData{
		Title:         c.Title,
		AttackVersion: "Enterprise " + c.Version,
		AppVersion:    appVersion,
		GeneratedAt:   now,
		Tactics:       make([]ReportTactic, 0, len(sorted)),
	}
	for _, tactic := range sorted {
		rt := ReportTactic{ID: tactic.ID, Name: tactic.Name, URL: tactic.URL}
		for _, tech := range tactic.Techniques {
			rt.Techniques = append(rt.Techniques, ReportTechnique{
				ID:    tech.ID,
				Name:  tech.Name,
				URL:   tech.URL,
				Notes: lookup[taxonomy.Pair{TechniqueID: tech.ID, TacticID: tactic.ID}.Key()],
			})
		}
		data.Tactics = append(data.Tactics, rt)
	}
	return data, nil
}

// ReportFile renders the cart as an HTML report.
func ReportFile(ctx context.Context, sorter Sorter, c cart.Cart, appVersion string, now time.Time) (*Artifact, error) {
	if err := requireEntries(c, "a report"); err != nil {
		return nil, err
	}
	data, err := BuildReport(ctx, sorter, c, appVersion, now)
	if err != nil {
		return nil, err
	}
	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	return &Artifact{
		Kind:     KindReport,
		Data:     []byte(html),
		Filename: filename("Report", c, "html"),
		MimeType: "text/html; charset=utf-8",
	}, nil
}
