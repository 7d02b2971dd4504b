package pairing

import (
	"context"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/thijssvd/sommos/internal/domain"
)

// wineTypeAffinity is a small keyword table mapping dish vocabulary to the
// wine type it traditionally pairs with; a deliberately compact rule set
// rather than a learned model, since the heuristic provider's only job is
// to always return something reasonable within its 1-second budget.
var wineTypeAffinity = map[string][]domain.WineType{
	"beef":    {domain.WineTypeRed},
	"lamb":    {domain.WineTypeRed},
	"steak":   {domain.WineTypeRed},
	"duck":    {domain.WineTypeRed},
	"game":    {domain.WineTypeRed},
	"cheese":  {domain.WineTypeRed, domain.WineTypeFortified},
	"fish":    {domain.WineTypeWhite, domain.WineTypeSparkling},
	"shellfish": {domain.WineTypeWhite, domain.WineTypeSparkling},
	"salad":   {domain.WineTypeWhite, domain.WineTypeRose},
	"chicken": {domain.WineTypeWhite, domain.WineTypeRose},
	"pork":    {domain.WineTypeWhite, domain.WineTypeRose},
	"spicy":   {domain.WineTypeRose, domain.WineTypeSparkling},
	"dessert": {domain.WineTypeDessert, domain.WineTypeFortified},
	"chocolate": {domain.WineTypeFortified, domain.WineTypeDessert},
}

// HeuristicProvider is the always-available fallback: deterministic
// rule-based scoring using wine type affinity with the dish, the wine's
// own region and food_pairings text, and inventory availability,
// normalizing quality score across the candidate set with gonum/stat so
// no single outlier bottle dominates the ranking.
type HeuristicProvider struct{}

// NewHeuristicProvider builds a HeuristicProvider. It holds no state.
func NewHeuristicProvider() *HeuristicProvider { return &HeuristicProvider{} }

// Name implements Provider.
func (HeuristicProvider) Name() domain.PairingProvider { return domain.ProviderHeuristic }

// Recommend implements Provider. It never fails except on a cancelled
// context and never consults the network.
func (HeuristicProvider) Recommend(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, domain.NewError(domain.KindCancelled, "heuristic provider cancelled", err)
	}
	if len(req.Candidates) == 0 {
		return Result{Provider: domain.ProviderHeuristic}, nil
	}

	qualities := make([]float64, len(req.Candidates))
	for i, c := range req.Candidates {
		qualities[i] = c.QualityScore
	}
	mean, stdDev := stat.MeanStdDev(qualities, nil)
	if stdDev == 0 {
		stdDev = 1
	}

	dishTokens := strings.Fields(normalizeDish(req.Dish))
	wanted := affinitiesFor(dishTokens)

	type scored struct {
		candidate CandidateWine
		score     float64
		reasons   []string
	}

	scoredList := make([]scored, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		if c.Available <= 0 {
			continue
		}

		score := 0.5
		var reasons []string

		if wanted[c.WineType] {
			score += 0.25
			reasons = append(reasons, "wine type traditionally pairs with this dish")
		}

		if regionalTraditionMatch(req.Dish, c.Region) {
			score += 0.1
			reasons = append(reasons, "regional tradition: "+c.Region)
		}

		for _, pairing := range c.FoodPairings {
			if strings.Contains(strings.ToLower(req.Dish), strings.ToLower(pairing)) {
				score += 0.1
				reasons = append(reasons, "listed food pairing: "+pairing)
				break
			}
		}

		normalizedQuality := (c.QualityScore - mean) / stdDev
		score += clamp(normalizedQuality*0.05, -0.15, 0.15)

		score = clamp(score, 0, 1)
		scoredList = append(scoredList, scored{candidate: c, score: score, reasons: reasons})
	}

	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })

	limit := req.MaxRecommendations
	if limit <= 0 || limit > len(scoredList) {
		limit = len(scoredList)
	}

	selections := make([]domain.WineSelection, 0, limit)
	for _, s := range scoredList[:limit] {
		reasoning := ""
		if req.IncludeReasoning {
			if len(s.reasons) == 0 {
				reasoning = "selected on available inventory and overall quality"
			} else {
				reasoning = strings.Join(s.reasons, "; ")
			}
		}
		selections = append(selections, domain.WineSelection{
			VintageID:  s.candidate.VintageID,
			Confidence: s.score,
			Reasoning:  reasoning,
		})
	}

	return Result{Selections: selections, Provider: domain.ProviderHeuristic}, nil
}

func affinitiesFor(dishTokens []string) map[domain.WineType]bool {
	out := make(map[domain.WineType]bool)
	for _, token := range dishTokens {
		for _, wt := range wineTypeAffinity[token] {
			out[wt] = true
		}
	}
	return out
}

// regionalTraditionMatch is a coarse check for whether the dish mentions
// the wine's own region by name.
func regionalTraditionMatch(dish, region string) bool {
	if region == "" {
		return false
	}
	return strings.Contains(strings.ToLower(dish), strings.ToLower(region))
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
