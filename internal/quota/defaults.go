package quota

// defaultLimits holds the built-in limit table for known providers.
// Unknown providers inherit genericLimits.
var defaultLimits = map[string]Limits{
	"openai": {
		RequestsPerMinute: 60,
		RequestsPerHour:   3500,
		TokensPerMinute:   90000,
		TokensPerDay:      1000000,
		MaxConcurrent:     10,
		CostPer1kTokens:   0.03,
	},
	"anthropic": {
		RequestsPerMinute: 50,
		RequestsPerHour:   2000,
		TokensPerMinute:   80000,
		TokensPerDay:      1000000,
		MaxConcurrent:     8,
		CostPer1kTokens:   0.015,
	},
	"deepseek": {
		RequestsPerMinute: 60,
		RequestsPerHour:   3000,
		TokensPerMinute:   100000,
		TokensPerDay:      2000000,
		MaxConcurrent:     10,
		CostPer1kTokens:   0.0014,
	},
	"gemini": {
		RequestsPerMinute: 60,
		RequestsPerHour:   1500,
		TokensPerMinute:   120000,
		TokensPerDay:      1500000,
		MaxConcurrent:     10,
		CostPer1kTokens:   0.0125,
	},
	"grok": {
		RequestsPerMinute: 30,
		RequestsPerHour:   1000,
		TokensPerMinute:   60000,
		TokensPerDay:      500000,
		MaxConcurrent:     5,
		CostPer1kTokens:   0.02,
	},
	"qwen": {
		RequestsPerMinute: 60,
		RequestsPerHour:   2000,
		TokensPerMinute:   100000,
		TokensPerDay:      1000000,
		MaxConcurrent:     10,
		CostPer1kTokens:   0.002,
	},
	"kimi": {
		RequestsPerMinute: 30,
		RequestsPerHour:   1000,
		TokensPerMinute:   60000,
		TokensPerDay:      500000,
		MaxConcurrent:     5,
		CostPer1kTokens:   0.002,
	},
}

// genericLimits applies to providers without a built-in or configured
// limit set.
var genericLimits = Limits{
	RequestsPerMinute: 30,
	RequestsPerHour:   1000,
	TokensPerMinute:   60000,
	TokensPerDay:      500000,
	MaxConcurrent:     5,
	CostPer1kTokens:   0,
}
