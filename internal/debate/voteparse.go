package debate

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedVote is the closed result of parsing a free-text vote reply.
type ParsedVote struct {
	Approved   bool
	Confidence float64
	Comment    string
	// Heuristic is set when the canonical VOTE marker was absent and the
	// word-match fallback (or the reject default) decided the verdict.
	Heuristic bool
}

var (
	votePattern        = regexp.MustCompile(`(?i)VOTE:\s*(APPROVE|REJECT)`)
	confidencePattern  = regexp.MustCompile(`(?i)CONFIDENCE:\s*([\d.]+)`)
	confidenceFallback = regexp.MustCompile(`(?i)confidence[:\s]+(\d+(\.\d+)?)`)
	reasoningPattern   = regexp.MustCompile(`(?is)REASONING:\s*(.+)`)

	approveTokens = []string{"APPROVE", "APPROVED", "ACCEPT", "ACCEPTED", "LGTM"}
	rejectTokens  = []string{"REJECT", "REJECTED", "DECLINE", "DECLINED", "DENY"}
)

// ParseVote extracts the verdict, confidence and comment from a supervisor
// reply. Ambiguous or unparseable replies default to REJECT, the safe
// side for an approval gate.
func ParseVote(text string) ParsedVote {
	parsed := ParsedVote{
		Confidence: parseConfidence(text),
		Comment:    parseComment(text),
	}

	if m := votePattern.FindStringSubmatch(text); m != nil {
		parsed.Approved = strings.EqualFold(m[1], "APPROVE")
		return parsed
	}

	parsed.Heuristic = true
	hasApprove := containsAnyWord(text, approveTokens)
	hasReject := containsAnyWord(text, rejectTokens)
	switch {
	case hasApprove && !hasReject:
		parsed.Approved = true
	case hasReject && !hasApprove:
		parsed.Approved = false
	default:
		// Both or neither: conservative default.
		parsed.Approved = false
	}
	return parsed
}

func containsAnyWord(text string, tokens []string) bool {
	upper := strings.ToUpper(text)
	for _, token := range tokens {
		idx := 0
		for {
			pos := strings.Index(upper[idx:], token)
			if pos < 0 {
				break
			}
			start := idx + pos
			end := start + len(token)
			if isWordBoundary(upper, start-1) && isWordBoundary(upper, end) {
				return true
			}
			idx = start + 1
		}
	}
	return false
}

func isWordBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9')
}

func parseConfidence(text string) float64 {
	m := confidencePattern.FindStringSubmatch(text)
	if m == nil {
		if fm := confidenceFallback.FindStringSubmatch(text); fm != nil {
			m = fm
		}
	}
	if m == nil {
		return 0.7
	}
	value, err := strconv.ParseFloat(strings.Trim(m[1], "."), 64)
	if err != nil {
		return 0.7
	}
	if value > 1 {
		// Values like 85 are percentages.
		value /= 100
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	return value
}

func parseComment(text string) string {
	if m := reasoningPattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}
