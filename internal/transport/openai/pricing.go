package openai

// Price is the cost of 1000 tokens of a model, in dollars.
type Price struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

// PriceTable maps model ids to prices. The "default" entry covers unlisted models.
type PriceTable map[string]Price

// DefaultPriceKey selects the fallback price.
const DefaultPriceKey = "default"

// Cost estimates the cost of a call. Unknown models without a default cost 0.
func (t PriceTable) Cost(model string, prompt, completion int64) float64 {
	p, ok := t[model]
	if !ok {
		p = t[DefaultPriceKey]
	}
	return float64(prompt)/1000*p.PromptPer1K + float64(completion)/1000*p.CompletionPer1K
}
