package judge

// ModelInfo maps a short model code to the externally addressed identifier
// and its (priceIn, priceOut) cost pair in USD per 1K tokens.
type ModelInfo struct {
	ExternalID string
	PriceIn    float64
	PriceOut   float64
}

const DefaultModelCode = "o4-mini"

// Built-in price/alias table (May-2025 preview pricing). The config file can
// extend or override entries.
var builtinModels = map[string]ModelInfo{
	"o4-mini":      {ExternalID: "o4-mini", PriceIn: 0.0005, PriceOut: 0.0005},
	"o4-mini-high": {ExternalID: "o4-mini-high", PriceIn: 0.001, PriceOut: 0.001},
	"gpt-4.1":      {ExternalID: "gpt-4o-2025-04-15", PriceIn: 0.005, PriceOut: 0.015},
	"gpt-4o":       {ExternalID: "gpt-4o-latest", PriceIn: 0.005, PriceOut: 0.015},
}

// resolveModel returns the external model identifier and price pair for a
// code. An empty code falls back to the default; an unknown code passes
// through verbatim with zero prices so new models work before the table
// learns about them.
func (c *Client) resolveModel(code string) (string, ModelInfo) {
	if code == "" {
		code = c.defaultCode
	}
	if info, ok := c.models[code]; ok {
		return code, info
	}
	return code, ModelInfo{ExternalID: code}
}
