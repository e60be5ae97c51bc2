package graph

import (
	"math"
	"strings"

	"github.com/useorgx/orgx-local/internal/config"
)

// legacyRateUSD is the historical flat hourly rate some records still carry
// in free text. Budgets matching it are replaced by the token-modeled value.
const legacyRateUSD = 40.0

// modelCost returns the blended $ per million tokens for one price triple.
func modelCost(b config.Budget, input, cachedInput, output float64) float64 {
	inputCost := (1-b.CachedShare)*input + b.CachedShare*cachedInput
	return b.InputShare*inputCost + (1-b.InputShare)*output
}

// BlendedDollarsPerMillion returns the blended price across the two model
// families, weighted by their traffic shares.
func BlendedDollarsPerMillion(b config.Budget) float64 {
	gpt := modelCost(b, b.GPTInput, b.GPTCachedInput, b.GPTOutput)
	opus := modelCost(b, b.OpusInput, b.OpusCachedInput, b.OpusOutput)
	return b.GPTShare*gpt + b.OpusShare*opus
}

// EstimateTokens converts an expected duration into a token pre-estimate.
func EstimateTokens(b config.Budget, hours float64) int64 {
	if hours <= 0 {
		return 0
	}
	return int64(hours * b.TokensPerHour * b.Contingency)
}

// ExpectedBudgetUSD derives the USD budget for an expected duration via the
// token-throughput model, rounded to the configured step.
func ExpectedBudgetUSD(b config.Budget, hours float64) float64 {
	tokens := float64(EstimateTokens(b, hours))
	raw := tokens / 1_000_000 * BlendedDollarsPerMillion(b)
	step := b.RoundStep
	if step <= 0 {
		step = 1
	}
	rounded := math.Round(raw/step) * step
	if rounded < step && raw > 0 {
		return step
	}
	return rounded
}

// resolveBudget prefers an explicit budget field unless it is the legacy
// $40/hour derivation, which is replaced by the modeled value.
func resolveBudget(b config.Budget, explicit float64, hasExplicit bool, hours float64, freeText string) float64 {
	modeled := ExpectedBudgetUSD(b, hours)
	if !hasExplicit {
		return modeled
	}
	if explicit == hours*legacyRateUSD || strings.Contains(freeText, "$40/hour") {
		return modeled
	}
	return explicit
}
