package ratelimit

import (
	"strings"
	"time"

	"github.com/patent-drafter/reqcore/types"
)

const (
	ClassAuth   = "auth"
	ClassAPI    = "api"
	ClassAI     = "ai"
	ClassUpload = "upload"
	ClassSystem = "system"
)

func DefaultQuotas() map[string]types.Quota {
	return map[string]types.Quota{
		ClassAuth:   {Points: 5, Duration: 300 * time.Second, BlockDuration: 900 * time.Second},
		ClassAPI:    {Points: 100, Duration: 60 * time.Second},
		ClassAI:     {Points: 20, Duration: 300 * time.Second},
		ClassUpload: {Points: 10, Duration: 300 * time.Second},
		ClassSystem: {Points: 300, Duration: 60 * time.Second},
	}
}

// QuotasFromConfig overlays configured classes on the defaults.
func QuotasFromConfig(config *types.RateLimitConfig) map[string]types.Quota {
	quotas := DefaultQuotas()
	if config == nil {
		return quotas
	}

	for class, quota := range config.Classes {
		quotas[class] = types.Quota{
			Points:        quota.Points,
			Duration:      quota.Duration,
			BlockDuration: quota.BlockDuration,
		}
	}
	return quotas
}

type PathRule struct {
	Class    string
	Patterns []string
}

// DefaultRules are checked in order; the first rule with a pattern contained
// in the path wins.
func DefaultRules() []PathRule {
	return []PathRule{
		{Class: ClassSystem, Patterns: []string{"/api/health", "/api/csrf-token", "/api/auth/session", "/_next/", "/favicon"}},
		{Class: ClassAuth, Patterns: []string{"/api/auth"}},
		{Class: ClassAI, Patterns: []string{"/ai", "/generate", "/analyze"}},
		{Class: ClassUpload, Patterns: []string{"/upload"}},
	}
}

func RulesFromConfig(config *types.RateLimitConfig) []PathRule {
	if config == nil || len(config.Rules) == 0 {
		return DefaultRules()
	}

	rules := make([]PathRule, 0, len(config.Rules))
	for _, rule := range config.Rules {
		rules = append(rules, PathRule{Class: rule.Class, Patterns: rule.Patterns})
	}
	return rules
}

type Classifier struct {
	rules    []PathRule
	fallback string
}

func NewClassifier(rules []PathRule) *Classifier {
	return &Classifier{rules: rules, fallback: ClassAPI}
}

func (c *Classifier) Classify(path string) string {
	for _, rule := range c.rules {
		for _, pattern := range rule.Patterns {
			if strings.Contains(path, pattern) {
				return rule.Class
			}
		}
	}
	return c.fallback
}
