package router

import (
	"strings"
	"unicode"

	"github.com/famulus-dev/famulus/internal/providers"
)

// Backend tiers. TierLocal answers from the small local model, TierCloud
// from the large cloud model with tools, TierWorker from the background
// heavy-task queue.
const (
	TierLocal  = "tier1"
	TierCloud  = "tier2"
	TierWorker = "worker"
)

// ValidTier reports whether t names a routable tier.
func ValidTier(t string) bool {
	return t == TierLocal || t == TierCloud || t == TierWorker
}

const tierScoreThreshold = 2

// Prompt length bands. Long prompts almost always need the bigger model.
const (
	longPromptChars   = 400
	mediumPromptChars = 150
)

// historyLookback is how many trailing history messages are checked for
// code fences and tool results.
const historyLookback = 4

// codingKeywords route straight to tier2: the local tier refuses
// code-generation, so anything that smells like code must not land there.
var codingKeywords = []string{
	"code", "coding", "function", "bug", "debug", "compile", "refactor",
	"script", "program", "implement", "regex", "sql", "api", "json",
	"yaml", "docker", "kubernetes", "terraform", "bash", "shell", "git",
	"commit", "deploy", "server", "database", "goroutine", "stacktrace",
	"python", "javascript", "typescript", "golang", "rust",
}

var analyticalKeywords = []string{
	"analyze", "analyse", "analysis", "compare", "comparison", "evaluate",
	"assess", "architecture", "design", "strategy", "tradeoff",
	"tradeoffs", "research", "investigate", "summarize", "summarise",
	"explain", "why",
}

// SelectTier scores a prompt and routes it to the local or cloud tier.
// Scoring: +2 long prompt (+1 medium), +2 any coding/infrastructure
// keyword, +1 any analytical keyword, +1 recent history with code fences
// or tool results. Score >= 2 goes to tier2.
func SelectTier(prompt string, history []providers.Message) string {
	score := 0

	switch {
	case len(prompt) >= longPromptChars:
		score += 2
	case len(prompt) >= mediumPromptChars:
		score++
	}

	words := tokenSet(prompt)
	if containsAny(words, codingKeywords) {
		score += 2
	}
	if containsAny(words, analyticalKeywords) {
		score++
	}
	if historyLooksTechnical(history) {
		score++
	}

	if score >= tierScoreThreshold {
		return TierCloud
	}
	return TierLocal
}

// tokenSet lowercases and splits on non-alphanumerics so "API," matches
// "api" but "rapid" does not.
func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func containsAny(words map[string]bool, keywords []string) bool {
	for _, k := range keywords {
		if words[k] {
			return true
		}
	}
	return false
}

func historyLooksTechnical(history []providers.Message) bool {
	start := len(history) - historyLookback
	if start < 0 {
		start = 0
	}
	for _, m := range history[start:] {
		if m.Role == "tool" || len(m.ToolCalls) > 0 {
			return true
		}
		if strings.Contains(m.Content, "```") {
			return true
		}
	}
	return false
}
