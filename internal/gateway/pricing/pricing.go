// Package pricing holds the static per-model rate table and the
// subscription plan catalog.
package pricing

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/mrmushfiq/llm0-token-gateway/internal/shared/models"
)

// DefaultModel is used when a chat request names no model.
const DefaultModel = "deepseek"

// ModelRate is one rate table entry.
type ModelRate struct {
	ID          string `json:"-"`
	Name        string `json:"name"`
	CostPer1000 int64  `json:"costPer1000Tokens"`
	Description string `json:"description"`
}

// RateTable maps model ids to a token cost per 1000 units. It is immutable
// after construction and safe for concurrent use.
type RateTable struct {
	rates    map[string]ModelRate
	cheapest int64
}

// NewRateTable builds a table from rates. At least one rate is required so
// that pricing is always defined.
func NewRateTable(rates []ModelRate) (*RateTable, error) {
	if len(rates) == 0 {
		return nil, fmt.Errorf("rate table needs at least one model")
	}
	t := &RateTable{rates: make(map[string]ModelRate, len(rates)), cheapest: math.MaxInt64}
	for _, r := range rates {
		if r.ID == "" {
			return nil, fmt.Errorf("rate table: empty model id")
		}
		if r.CostPer1000 < 0 {
			return nil, fmt.Errorf("rate table: negative rate for %s", r.ID)
		}
		if _, dup := t.rates[r.ID]; dup {
			return nil, fmt.Errorf("rate table: duplicate model %s", r.ID)
		}
		t.rates[r.ID] = r
		if r.CostPer1000 < t.cheapest {
			t.cheapest = r.CostPer1000
		}
	}
	return t, nil
}

// DefaultRates is the production rate table.
func DefaultRates() []ModelRate {
	return []ModelRate{
		{ID: "gpt4", Name: "GPT-4", CostPer1000: 8, Description: "Most capable GPT-4 model for various tasks"},
		{ID: "gemini", Name: "Gemini", CostPer1000: 5, Description: "Google's advanced language model"},
		{ID: "claude", Name: "Claude", CostPer1000: 6, Description: "Anthropic's Claude model for detailed analysis"},
		{ID: "deepseek", Name: "DeepSeek", CostPer1000: 4, Description: "Efficient model for general tasks"},
	}
}

// DefaultRateTable returns the table built from DefaultRates.
func DefaultRateTable() *RateTable {
	t, err := NewRateTable(DefaultRates())
	if err != nil {
		panic(err)
	}
	return t
}

// Rate returns the configured rate of modelID, or the cheapest rate when
// the model is unknown.
func (t *RateTable) Rate(modelID string) int64 {
	if r, ok := t.rates[modelID]; ok {
		return r.CostPer1000
	}
	return t.cheapest
}

// Known reports whether modelID has its own entry.
func (t *RateTable) Known(modelID string) bool {
	_, ok := t.rates[modelID]
	return ok
}

// Cost returns ceil(units * rate / 1000) in tokens. Non-positive unit
// counts cost nothing; results that would overflow saturate at MaxInt64.
func (t *RateTable) Cost(modelID string, units int64) int64 {
	if units <= 0 {
		return 0
	}
	rate := t.Rate(modelID)
	if rate == 0 {
		return 0
	}
	if units > (math.MaxInt64-999)/rate {
		return math.MaxInt64
	}
	return (units*rate + 999) / 1000
}

// Catalog returns the public model catalog keyed by model id.
func (t *RateTable) Catalog() map[string]ModelRate {
	out := make(map[string]ModelRate, len(t.rates))
	for id, r := range t.rates {
		out[id] = r
	}
	return out
}

// EstimateUnits approximates the unit count of a request as one unit per
// four characters of each message, rounded up per message.
func EstimateUnits(contents []string) int64 {
	var total int64
	for _, c := range contents {
		n := int64(utf8.RuneCountInString(c))
		total += (n + 3) / 4
	}
	return total
}

func grant(n int64) *int64 { return &n }

// DefaultPlans is the subscription plan catalog. The free plan describes the
// signup grant and cannot be purchased.
func DefaultPlans() []models.SubscriptionPlan {
	return []models.SubscriptionPlan{
		{ID: "free", Name: "Free", Tokens: grant(1000), PriceCents: 0, Tier: models.TierFree,
			Description: "Start with 1000 free tokens"},
		{ID: "basic", Name: "Basic Plan", Tokens: grant(100000), PriceCents: 1000, Tier: models.TierBasic,
			Description: "100k tokens with all models"},
		{ID: "pro", Name: "Pro Plan", Tokens: grant(1000000), PriceCents: 5000, Tier: models.TierPro,
			Description: "1M tokens with priority access"},
		{ID: "unlimited", Name: "Unlimited Plan", Tokens: nil, PriceCents: 20000, Tier: models.TierUnlimited,
			Description: "Unlimited tokens for enterprise use"},
	}
}

// Plans is an immutable plan catalog.
type Plans struct {
	byID  map[string]models.SubscriptionPlan
	order []string
}

// NewPlans indexes plans by id.
func NewPlans(plans []models.SubscriptionPlan) *Plans {
	p := &Plans{byID: make(map[string]models.SubscriptionPlan, len(plans))}
	for _, plan := range plans {
		p.byID[plan.ID] = plan
		p.order = append(p.order, plan.ID)
	}
	return p
}

// Get returns the plan with the given id.
func (p *Plans) Get(id string) (models.SubscriptionPlan, bool) {
	plan, ok := p.byID[id]
	return plan, ok
}

// Purchasable returns the plans with a price, keyed by id.
func (p *Plans) Purchasable() map[string]models.SubscriptionPlan {
	out := make(map[string]models.SubscriptionPlan)
	for _, id := range p.order {
		if plan := p.byID[id]; plan.PriceCents > 0 {
			out[id] = plan
		}
	}
	return out
}

// All returns every plan keyed by id.
func (p *Plans) All() map[string]models.SubscriptionPlan {
	out := make(map[string]models.SubscriptionPlan, len(p.byID))
	for id, plan := range p.byID {
		out[id] = plan
	}
	return out
}
