// Package pricing holds the static model price table and token accounting.
package pricing

import (
	"math"
	"sort"
)

// ModelPrice is the USD price per 1000 tokens for one model.
type ModelPrice struct {
	PromptUSDPer1K     float64
	CompletionUSDPer1K float64
	EmbeddingUSDPer1K  float64
}

// priceTable is the static per-model price table baked into the binary.
// Prices mirror the public provider price lists; unknown models cost zero
// rather than blocking the request.
var priceTable = map[string]ModelPrice{
	// OpenAI chat
	"gpt-4o":        {PromptUSDPer1K: 0.0025, CompletionUSDPer1K: 0.01},
	"gpt-4o-mini":   {PromptUSDPer1K: 0.00015, CompletionUSDPer1K: 0.0006},
	"gpt-4-turbo":   {PromptUSDPer1K: 0.01, CompletionUSDPer1K: 0.03},
	"gpt-4":         {PromptUSDPer1K: 0.03, CompletionUSDPer1K: 0.06},
	"gpt-3.5-turbo": {PromptUSDPer1K: 0.0005, CompletionUSDPer1K: 0.0015},
	"o1":            {PromptUSDPer1K: 0.015, CompletionUSDPer1K: 0.06},
	"o1-mini":       {PromptUSDPer1K: 0.0011, CompletionUSDPer1K: 0.0044},

	// OpenAI embeddings
	"text-embedding-3-small": {EmbeddingUSDPer1K: 0.00002},
	"text-embedding-3-large": {EmbeddingUSDPer1K: 0.00013},
	"text-embedding-ada-002": {EmbeddingUSDPer1K: 0.0001},

	// Anthropic
	"claude-3-5-sonnet-20241022": {PromptUSDPer1K: 0.003, CompletionUSDPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {PromptUSDPer1K: 0.0008, CompletionUSDPer1K: 0.004},
	"claude-3-opus-20240229":     {PromptUSDPer1K: 0.015, CompletionUSDPer1K: 0.075},
	"claude-3-haiku-20240307":    {PromptUSDPer1K: 0.00025, CompletionUSDPer1K: 0.00125},

	// Groq
	"llama-3.1-70b-versatile": {PromptUSDPer1K: 0.00059, CompletionUSDPer1K: 0.00079},
	"llama-3.1-8b-instant":    {PromptUSDPer1K: 0.00005, CompletionUSDPer1K: 0.00008},
	"llama-3.3-70b-versatile": {PromptUSDPer1K: 0.00059, CompletionUSDPer1K: 0.00079},
	"mixtral-8x7b-32768":      {PromptUSDPer1K: 0.00024, CompletionUSDPer1K: 0.00024},
}

// Supported reports whether a model is on the allow-list. The price table
// doubles as the allow-list so the two can never drift apart.
func Supported(model string) bool {
	_, ok := priceTable[model]
	return ok
}

// Models returns the allow-list for the /v1/models endpoint, sorted for a
// stable listing.
func Models() []string {
	names := make([]string, 0, len(priceTable))
	for name := range priceTable {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cost computes the USD cost of a chat/completion call.
func Cost(model string, promptTokens, completionTokens int) float64 {
	p, ok := priceTable[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*p.PromptUSDPer1K +
		float64(completionTokens)/1000*p.CompletionUSDPer1K
}

// EmbeddingCost computes the USD cost of an embedding call.
func EmbeddingCost(model string, totalTokens int) float64 {
	p, ok := priceTable[model]
	if !ok {
		return 0
	}
	return float64(totalTokens) / 1000 * p.EmbeddingUSDPer1K
}

// EstimateTokens approximates a token count from text when the provider
// did not report usage: one token per four characters, minimum one.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 1
	}
	return int(math.Ceil(float64(len(text)) / 4.0))
}
