package cost

import (
	"regexp"
	"strconv"
)

// TokenUsage represents input and output token counts for one
// text-generation call.
type TokenUsage struct {
	Input  int
	Output int
}

var (
	// Generation backends often report usage in this combined format.
	tokenRe = regexp.MustCompile(`Tokens: (\d+) input, (\d+) output`)
	// Some report the two counts on separate lines.
	inputRe  = regexp.MustCompile(`Input tokens: (\d+)`)
	outputRe = regexp.MustCompile(`Output tokens: (\d+)`)
)

// ExtractTokenUsage attempts to parse token counts from a generation
// response. Fallback: estimate from prompt and response length.
func ExtractTokenUsage(response, prompt string) TokenUsage {
	usage := TokenUsage{}

	if m := tokenRe.FindStringSubmatch(response); len(m) == 3 {
		usage.Input, _ = strconv.Atoi(m[1])
		usage.Output, _ = strconv.Atoi(m[2])
	} else {
		if m := inputRe.FindStringSubmatch(response); len(m) == 2 {
			usage.Input, _ = strconv.Atoi(m[1])
		}
		if m := outputRe.FindStringSubmatch(response); len(m) == 2 {
			usage.Output, _ = strconv.Atoi(m[1])
		}
	}

	if usage.Input == 0 {
		usage.Input = estimateTokens(prompt)
	}
	if usage.Output == 0 {
		usage.Output = estimateTokens(response)
	}

	return usage
}

// estimateTokens provides a rough estimate of token count (approx 4 chars per token).
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// Calculate returns the USD cost of a call given per-million-token pricing.
func Calculate(usage TokenUsage, inputPriceMtok, outputPriceMtok float64) float64 {
	inputCost := (float64(usage.Input) / 1000000.0) * inputPriceMtok
	outputCost := (float64(usage.Output) / 1000000.0) * outputPriceMtok
	return inputCost + outputCost
}

// Pricing holds the configured per-million-token prices for the
// generation backend.
type Pricing struct {
	InputPerMtokUSD  float64
	OutputPerMtokUSD float64
}

// ForCall prices one generation call from its response and prompt text,
// extracting token counts where the backend reports them and estimating
// otherwise.
func (p Pricing) ForCall(response, prompt string) float64 {
	return Calculate(ExtractTokenUsage(response, prompt), p.InputPerMtokUSD, p.OutputPerMtokUSD)
}
