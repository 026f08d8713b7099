package llm

import (
	"strings"

	"github.com/normanking/conductor/internal/config"
)

// localProviders are free to call.
var localProviders = map[string]bool{
	"ollama": true,
	"local":  true,
	"echo":   true,
}

// IsLocalProvider returns true if the provider runs locally.
func IsLocalProvider(provider string) bool {
	return localProviders[strings.ToLower(provider)]
}

// Cost prices a response in USD. Rates are looked up by model, then by
// provider name; unknown models cost nothing.
func Cost(rates map[string]config.CostRate, provider string, resp *Response) float64 {
	if resp == nil || IsLocalProvider(provider) {
		return 0
	}
	rate, ok := lookupRate(rates, resp.Model)
	if !ok {
		rate, ok = lookupRate(rates, provider)
	}
	if !ok {
		return 0
	}
	return float64(resp.PromptTokens)/1000*rate.InputPer1K +
		float64(resp.CompletionTokens)/1000*rate.OutputPer1K
}

// EstimateCost prices a prompt before sending it, assuming the completion
// is as long as maxTokens.
func EstimateCost(rates map[string]config.CostRate, model string, promptTokens, maxTokens int) float64 {
	rate, ok := lookupRate(rates, model)
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*rate.InputPer1K + float64(maxTokens)/1000*rate.OutputPer1K
}

// viper lowercases map keys
func lookupRate(rates map[string]config.CostRate, key string) (config.CostRate, bool) {
	if key == "" {
		return config.CostRate{}, false
	}
	if r, ok := rates[key]; ok {
		return r, true
	}
	for k, r := range rates {
		if strings.EqualFold(k, key) {
			return r, true
		}
	}
	return config.CostRate{}, false
}
