package supervisor

import (
	"regexp"
	"strings"
)

// Risk levels, lowest to highest.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Tool-name fragments that mark a tool as inherently dangerous or
// mildly sensitive. Matched against the lowercased tool id.
var (
	highRiskFragments = []string{
		"exec", "update", "kill",
		"write", "delete", "chmod",
		"request", "proxy",
	}
	mediumRiskFragments = []string{
		"read", "list", "env", "clipboard", "cookies",
	}
)

// injectionPattern flags path traversal, shell escapes, and SQL
// DML/DDL verbs inside argument values.
var injectionPattern = regexp.MustCompile(`(?i)(\.\.[/\\]|/etc/|/proc/|/sys/|cmd\.exe|powershell|eval\(|exec\(|drop\s+table|delete\s+from|insert\s+into|update\s+\w+\s+set|truncate\s+table|alter\s+table|create\s+table|rm\s+-rf|format\s+c)`)

// riskyKeyPattern marks argument keys that typically carry commands,
// queries, or targets.
var riskyKeyPattern = regexp.MustCompile(`(?i)(command|cmd|exec|shell|script|query|sql|path|file|url)`)

const longValueThreshold = 512

// ScoreRisk classifies a call as low, medium or high. Deterministic:
// the same tool and args always score the same.
func ScoreRisk(tool string, args map[string]any) string {
	name := strings.ToLower(tool)
	high := containsAny(name, highRiskFragments)
	medium := containsAny(name, mediumRiskFragments)
	score := argScore(args)

	switch {
	case high || score >= 2:
		return RiskHigh
	case medium || score >= 1:
		return RiskMedium
	default:
		return RiskLow
	}
}

func containsAny(name string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}

// argScore accumulates over every key/value pair, at any depth:
// +2 when a string value matches the injection pattern, +1 when the
// key name looks risky, +1 when a string value exceeds 512 chars.
func argScore(args map[string]any) int {
	score := 0
	for key, value := range args {
		if riskyKeyPattern.MatchString(key) {
			score++
		}
		score += valueScore(value)
	}
	return score
}

func valueScore(v any) int {
	switch val := v.(type) {
	case string:
		score := 0
		if injectionPattern.MatchString(val) {
			score += 2
		}
		if len(val) > longValueThreshold {
			score++
		}
		return score
	case map[string]any:
		return argScore(val)
	case []any:
		score := 0
		for _, item := range val {
			score += valueScore(item)
		}
		return score
	}
	return 0
}
