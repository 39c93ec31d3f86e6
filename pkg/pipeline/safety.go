package pipeline

import (
	"fmt"
	"strings"

	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/models"
)

// inspectDraft checks a composed draft against the per-action forbidden
// phrase list and word limit. It never mutates the draft; any risk flag it
// returns forces gating regardless of autopilot mode.
func inspectDraft(cfg *config.SafetyConfig, action models.ActionType, subject, body string) (riskFlags, warnings []string) {
	traits, _ := models.TraitsFor(action)
	if traits.RequiresDraft && strings.TrimSpace(body) == "" {
		riskFlags = append(riskFlags, "missing_draft")
		return riskFlags, warnings
	}

	lowered := strings.ToLower(subject + "\n" + body)
	for _, phrase := range cfg.ForbiddenPhrases[action] {
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			riskFlags = append(riskFlags, "forbidden_phrase: "+phrase)
		}
	}

	if limit, ok := cfg.WordLimits[action]; ok && limit > 0 {
		words := len(strings.Fields(body))
		if words > limit {
			riskFlags = append(riskFlags, fmt.Sprintf("word_limit_exceeded: %d > %d", words, limit))
		} else if words > limit*8/10 {
			warnings = append(warnings, fmt.Sprintf("draft length %d approaching the %d word limit", words, limit))
		}
	}

	return riskFlags, warnings
}
