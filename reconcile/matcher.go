package reconcile

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Record is the canonical shape of a deal or project after normalization from
// the raw API payloads.
type Record struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// Match pairs one deal with one project sharing a matching key. Created once
// per reconciliation pass; never mutated.
type Match struct {
	Deal         Record          `json:"deal"`
	Project      Record          `json:"project"`
	MatchKey     string          `json:"matchKey"`
	ValueMatch   bool            `json:"valueMatch"`
	ValueDiff    decimal.Decimal `json:"valueDiff"`
	ValueDiffPct decimal.Decimal `json:"valueDiffPct"`
}

type MatchResult struct {
	Matches           []Match  `json:"matches"`
	UnmatchedDeals    []Record `json:"unmatchedDeals"`
	UnmatchedProjects []Record `json:"unmatchedProjects"`
}

// MatchProjects pairs deals against projects by matching key, consuming each
// project at most once.
//
// Tie-break is first-available-in-list-order: given several projects sharing a
// key, a deal takes the earliest unconsumed one even when a later candidate
// would be a better value match. Deterministic for a fixed input ordering.
// Known limitation kept for compatibility with existing reconciliation reports;
// pinned by TestMatchProjects_FirstAvailableTieBreak.
func MatchProjects(logger *logrus.Logger, deals, projects []Record, tolerancePct decimal.Decimal) MatchResult {
	byKey := make(map[string][]int, len(projects))
	consumed := make([]bool, len(projects))

	for i, project := range projects {
		key := GenerateProjectKey(project.Name)
		if key == "" {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"project_id":   project.ID,
					"project_name": project.Name,
				}).Debug("skipping project with empty matching key")
			}
			continue
		}
		byKey[key] = append(byKey[key], i)
	}

	var result MatchResult
	for _, deal := range deals {
		key := GenerateProjectKey(deal.Name)
		if key == "" {
			if logger != nil {
				logger.WithFields(logrus.Fields{
					"deal_id":   deal.ID,
					"deal_name": deal.Name,
				}).Debug("skipping deal with empty matching key")
			}
			result.UnmatchedDeals = append(result.UnmatchedDeals, deal)
			continue
		}

		matched := false
		for _, idx := range byKey[key] {
			if consumed[idx] {
				continue
			}
			consumed[idx] = true
			project := projects[idx]
			diff, pct := ValueDifference(deal.Value, project.Value)
			result.Matches = append(result.Matches, Match{
				Deal:         deal,
				Project:      project,
				MatchKey:     key,
				ValueMatch:   pct.LessThanOrEqual(tolerancePct),
				ValueDiff:    diff,
				ValueDiffPct: pct,
			})
			matched = true
			break
		}
		if !matched {
			result.UnmatchedDeals = append(result.UnmatchedDeals, deal)
		}
	}

	for i, project := range projects {
		if !consumed[i] {
			result.UnmatchedProjects = append(result.UnmatchedProjects, project)
		}
	}
	return result
}

// ValueDifference returns the absolute and percentage difference between two
// monetary totals. The percentage is relative to the mean of the two values;
// equal values (including 0/0) yield zero.
func ValueDifference(v1, v2 decimal.Decimal) (diff, pct decimal.Decimal) {
	diff = v1.Sub(v2).Abs()
	if v1.Equal(v2) {
		return diff, decimal.Zero
	}
	avg := v1.Add(v2).Div(decimal.NewFromInt(2))
	if avg.IsZero() {
		// v1 == -v2: the mean is zero and the ratio is undefined. Treat as a
		// maximal mismatch so it never passes a sane tolerance.
		return diff, decimal.NewFromInt(100)
	}
	return diff, diff.Div(avg).Mul(decimal.NewFromInt(100)).Abs()
}
