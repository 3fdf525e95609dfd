package workflow

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mmdatafocus/costledger_backend/config"
	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

const (
	vendorWeight      = 0.50
	amountWeight      = 0.30
	dateWeight        = 0.15
	descriptionWeight = 0.05

	minVendorSimilarity = 0.3
)

type MatchType string

const (
	MatchTypeExact   MatchType = "exact"
	MatchTypeFuzzy   MatchType = "fuzzy"
	MatchTypePartial MatchType = "partial"
)

type ScoringTransaction struct {
	Id          int
	VendorName  string
	Description string
	Amount      decimal.Decimal
	Date        time.Time
}

type ScoringEntry struct {
	Id                 int
	VendorName         string
	ExpenseDescription string
	PlannedAmount      decimal.Decimal
	PlannedDate        time.Time
}

type ScoringOptions struct {
	Threshold       float64
	AmountTolerance float64
	DateWindowDays  int
}

func DefaultScoringOptions() ScoringOptions {
	s := config.GetReconciliationSettings()
	return ScoringOptions{
		Threshold:       s.MatchThreshold,
		AmountTolerance: s.AmountTolerance,
		DateWindowDays:  s.DateWindowDays,
	}
}

type MatchScore struct {
	Confidence       decimal.Decimal
	MatchType        MatchType
	Reasons          []string
	DateDistanceDays int
}

type MatchCandidate struct {
	LedgerEntryId    int             `json:"ledger_entry_id"`
	TransactionId    int             `json:"transaction_id"`
	Confidence       decimal.Decimal `json:"confidence"`
	MatchType        MatchType       `json:"match_type"`
	Reasons          []string        `json:"reasons"`
	DateDistanceDays int             `json:"date_distance_days"`
}

// ScoreMatch rates how likely txn pays for entry. It has no side effects.
func ScoreMatch(txn ScoringTransaction, entry ScoringEntry, opts ScoringOptions) MatchScore {
	opts = withScoringDefaults(opts)
	var score float64
	reasons := make([]string, 0, 4)

	vendorSim := VendorSimilarity(txn.VendorName, entry.VendorName)
	if vendorSim >= minVendorSimilarity {
		score += vendorWeight * vendorSim
		if vendorSim >= 1 {
			reasons = append(reasons, "Exact vendor name match")
		} else {
			reasons = append(reasons, fmt.Sprintf("Vendor name %d%% similar", percent(vendorSim)))
		}
	}

	amountScore, amountReason := amountCloseness(txn.Amount, entry.PlannedAmount, opts.AmountTolerance)
	score += amountWeight * amountScore
	if amountReason != "" {
		reasons = append(reasons, amountReason)
	}

	days := dayDistance(txn.Date, entry.PlannedDate)
	dateScore := 0.0
	if sameAccountingPeriod(txn.Date, entry.PlannedDate) {
		dateScore = 1
		reasons = append(reasons, "Same accounting period")
	} else if days < opts.DateWindowDays {
		dateScore = 1 - float64(days)/float64(opts.DateWindowDays)
		reasons = append(reasons, fmt.Sprintf("Date within %d days", days))
	}
	score += dateWeight * dateScore

	descSim := jaccard(tokenSet(txn.Description), tokenSet(entry.ExpenseDescription))
	if descSim > 0 {
		score += descriptionWeight * descSim
		reasons = append(reasons, fmt.Sprintf("Description %d%% similar", percent(descSim)))
	}

	score = math.Max(0, math.Min(1, score))
	confidence := decimal.NewFromFloat(score).Round(4)
	return MatchScore{
		Confidence:       confidence,
		MatchType:        matchTypeFor(confidence),
		Reasons:          reasons,
		DateDistanceDays: days,
	}
}

// RankCandidates scores every entry, drops those under the threshold and
// orders the rest by confidence, then date distance, then entry id.
func RankCandidates(txn ScoringTransaction, entries []ScoringEntry, opts ScoringOptions) []MatchCandidate {
	opts = withScoringDefaults(opts)
	threshold := decimal.NewFromFloat(opts.Threshold)
	candidates := make([]MatchCandidate, 0)
	for _, entry := range entries {
		s := ScoreMatch(txn, entry, opts)
		if s.Confidence.LessThan(threshold) {
			continue
		}
		candidates = append(candidates, MatchCandidate{
			LedgerEntryId:    entry.Id,
			TransactionId:    txn.Id,
			Confidence:       s.Confidence,
			MatchType:        s.MatchType,
			Reasons:          s.Reasons,
			DateDistanceDays: s.DateDistanceDays,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if c := a.Confidence.Cmp(b.Confidence); c != 0 {
			return c > 0
		}
		if a.DateDistanceDays != b.DateDistanceDays {
			return a.DateDistanceDays < b.DateDistanceDays
		}
		return a.LedgerEntryId < b.LedgerEntryId
	})
	return candidates
}

func withScoringDefaults(opts ScoringOptions) ScoringOptions {
	d := config.DefaultReconciliationSettings()
	if opts.Threshold <= 0 {
		opts.Threshold = d.MatchThreshold
	}
	if opts.AmountTolerance <= 0 {
		opts.AmountTolerance = d.AmountTolerance
	}
	if opts.DateWindowDays <= 0 {
		opts.DateWindowDays = d.DateWindowDays
	}
	return opts
}

func matchTypeFor(confidence decimal.Decimal) MatchType {
	switch {
	case confidence.GreaterThanOrEqual(decimal.NewFromFloat(0.95)):
		return MatchTypeExact
	case confidence.GreaterThanOrEqual(decimal.NewFromFloat(0.80)):
		return MatchTypeFuzzy
	default:
		return MatchTypePartial
	}
}

// VendorSimilarity compares vendor names ignoring case and spacing.
// Containment counts as 0.9.
func VendorSimilarity(a, b string) float64 {
	a, b = normalizeName(a), normalizeName(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.9
	}
	words := jaccard(tokenSet(a), tokenSet(b))
	ra, rb := []rune(a), []rune(b)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	dist := levenshtein.DistanceForStrings(ra, rb, levenshtein.Options{
		InsCost: 1,
		DelCost: 1,
		SubCost: 1,
		Matches: levenshtein.IdenticalRunes,
	})
	edit := 1 - float64(dist)/float64(maxLen)
	return math.Max(words, edit)
}

func amountCloseness(actual, planned decimal.Decimal, tolerance float64) (float64, string) {
	diff := actual.Sub(planned).Abs()
	if diff.IsZero() {
		return 1, "Exact amount match"
	}
	base := planned.Abs()
	if base.IsZero() {
		return 0, ""
	}
	ratio, _ := diff.Div(base).Float64()
	if ratio <= tolerance {
		return 1, fmt.Sprintf("Amount within %s%% tolerance", formatPercent(tolerance))
	}
	limit := 10 * tolerance
	if ratio >= limit {
		return 0, ""
	}
	s := 1 - (ratio-tolerance)/(limit-tolerance)
	return s, fmt.Sprintf("Amount differs by %s%%", formatPercent(ratio))
}

func sameAccountingPeriod(a, b time.Time) bool {
	ya, ma, _ := a.UTC().Date()
	yb, mb, _ := b.UTC().Date()
	return ya == yb && ma == mb
}

func dayDistance(a, b time.Time) int {
	d := truncateDay(a).Sub(truncateDay(b)).Hours() / 24
	return int(math.Abs(math.Round(d)))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func percent(f float64) int {
	return int(math.Round(f * 100))
}

func formatPercent(f float64) string {
	return decimal.NewFromFloat(f * 100).Round(1).String()
}
