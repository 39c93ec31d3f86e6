package pipeline

import (
	"fmt"
	"strings"

	"github.com/openrecords/docket/pkg/config"
	"github.com/openrecords/docket/pkg/llm"
	"github.com/openrecords/docket/pkg/models"
)

// decision is the outcome of the routing policy: the single next action and
// the annotations that shape how it is gated.
type decision struct {
	Action          models.ActionType
	Reasoning       []string
	PauseReason     *models.PauseReason
	ForceGate       bool
	NeedsPortalTask bool

	// Complete short-circuits the pipeline to commit_state: no draft, no
	// proposal, no side effect beyond what commit records.
	Complete bool
}

// strongDenialIndicators are the phrases that mark a denial as legally
// grounded. Two or more in the key points means a rebuttal is unlikely to
// move the agency.
var strongDenialIndicators = []string{
	"statute", "investigation", "exempt", "sealed", "privacy", "law enforcement",
}

// route is the ordered routing policy. Rules are evaluated top to bottom
// and the first match wins.
func route(cfg *config.Config, kase *models.Case, trigger models.TriggerType, cls *llm.Classification) decision {
	// Pre-send triggers never have a classification: the next action is
	// the submission itself.
	switch trigger {
	case models.TriggerInitialRequest, models.TriggerManual:
		if kase.Status == models.CaseStatusReadyToSend {
			if kase.SubmissionChannel == models.ChannelPortal {
				return decision{
					Action:    models.ActionSubmitPortal,
					Reasoning: []string{"case is ready to send and the agency only accepts portal submissions"},
				}
			}
			return decision{
				Action:    models.ActionSendInitialRequest,
				Reasoning: []string{"case is ready to send via email"},
			}
		}
	case models.TriggerFollowup, models.TriggerDeadlineEscalation:
		return decision{
			Action:    models.ActionSendFollowup,
			Reasoning: []string{fmt.Sprintf("timer fired (%s) with no agency response on record", trigger)},
		}
	}

	if cls == nil {
		// An inbound run without a classification is a pipeline bug; park
		// it on a human rather than guess.
		return decision{
			Action:      models.ActionEscalate,
			Reasoning:   []string{"no classification available for inbound stimulus"},
			PauseReason: models.Ptr(models.PauseUnknownInbound),
			ForceGate:   true,
		}
	}

	// Rule 1: the classifier says no reply is needed. Record any side
	// facts (portal url) and finish.
	if !cls.RequiresResponse && cls.Classification != models.ClassPortalRedirect {
		return decision{
			Action:    models.ActionNone,
			Reasoning: []string{"classifier determined no response is required"},
			Complete:  true,
		}
	}

	switch cls.Classification {
	case models.ClassNoResponse: // rule 2
		return decision{
			Action:    models.ActionSendFollowup,
			Reasoning: []string{"agency has not substantively responded"},
		}

	case models.ClassAcknowledgment, models.ClassRecordsReady, models.ClassDelivery: // rule 3
		return decision{
			Action:    models.ActionNone,
			Reasoning: []string{fmt.Sprintf("%s needs no outbound reply", cls.Classification)},
			Complete:  true,
		}

	case models.ClassPortalRedirect: // rule 4
		return decision{
			Action:          models.ActionNone,
			Reasoning:       []string{"agency redirected to a submission portal; manual resubmission queued"},
			NeedsPortalTask: true,
			Complete:        true,
		}

	case models.ClassWrongAgency: // rule 5
		return decision{
			Action:      models.ActionResearchAgency,
			Reasoning:   []string{"agency disclaims custody of the records"},
			PauseReason: models.Ptr(models.PauseWrongAgency),
		}

	case models.ClassHostile: // rule 6
		return decision{
			Action:    models.ActionEscalate,
			Reasoning: []string{"hostile response requires human judgment"},
		}

	case models.ClassPartialApproval: // rule 7
		return decision{
			Action:    models.ActionRespondPartialApproval,
			Reasoning: []string{"agency granted part of the request"},
		}

	case models.ClassFeeQuote: // rule 8
		return routeFee(cfg, cls)

	case models.ClassClarificationReq: // rule 9
		return decision{
			Action:    models.ActionSendClarification,
			Reasoning: []string{"agency asked for clarification of the request scope"},
		}

	case models.ClassDenial: // rule 10
		return routeDenial(kase, cls)
	}

	// UNKNOWN and anything the classifier invents: gate for a human.
	return decision{
		Action:      models.ActionEscalate,
		Reasoning:   []string{fmt.Sprintf("unrecognized classification %q", cls.Classification)},
		PauseReason: models.Ptr(models.PauseUnknownInbound),
		ForceGate:   true,
	}
}

// routeFee applies the fee thresholds. Amounts at or under the auto-approve
// cap accept automatically in AUTO mode; up to the negotiate threshold the
// acceptance needs a human signature; above it we negotiate.
func routeFee(cfg *config.Config, cls *llm.Classification) decision {
	if cls.FeeAmount == nil {
		return decision{
			Action:      models.ActionEscalate,
			Reasoning:   []string{"fee quote without an extractable amount"},
			PauseReason: models.Ptr(models.PauseFeeQuote),
			ForceGate:   true,
		}
	}
	amount := *cls.FeeAmount
	switch {
	case amount <= float64(cfg.Fees.AutoApproveMax):
		return decision{
			Action:    models.ActionAcceptFee,
			Reasoning: []string{fmt.Sprintf("quoted fee %.2f is within the auto-approve cap of %d", amount, cfg.Fees.AutoApproveMax)},
		}
	case amount <= float64(cfg.Fees.NegotiateThreshold):
		return decision{
			Action:      models.ActionAcceptFee,
			Reasoning:   []string{fmt.Sprintf("quoted fee %.2f exceeds the auto-approve cap; acceptance needs sign-off", amount)},
			PauseReason: models.Ptr(models.PauseFeeQuote),
			ForceGate:   true,
		}
	default:
		return decision{
			Action:      models.ActionNegotiateFee,
			Reasoning:   []string{fmt.Sprintf("quoted fee %.2f exceeds the negotiate threshold of %d", amount, cfg.Fees.NegotiateThreshold)},
			PauseReason: models.Ptr(models.PauseFeeQuote),
		}
	}
}

// routeDenial dispatches on the denial subtype; the keyword strength
// heuristic applies only when the classifier could not name one.
func routeDenial(kase *models.Case, cls *llm.Classification) decision {
	if cls.DenialSubtype != nil {
		switch *cls.DenialSubtype {
		case models.DenialNoRecords:
			if kase.AgencyResearched() {
				return decision{
					Action:    models.ActionReformulateRequest,
					Reasoning: []string{"no-records denial after agency research; the request itself needs rework"},
				}
			}
			return decision{
				Action:    models.ActionResearchAgency,
				Reasoning: []string{"no-records denial with no prior agency research"},
			}
		case models.DenialWrongAgency:
			return decision{
				Action:      models.ActionResearchAgency,
				Reasoning:   []string{"denial says these records live elsewhere"},
				PauseReason: models.Ptr(models.PauseWrongAgency),
			}
		case models.DenialOverlyBroad:
			return decision{
				Action:    models.ActionReformulateRequest,
				Reasoning: []string{"denial for overbreadth; narrow the request"},
			}
		case models.DenialExcessiveFees:
			return decision{
				Action:      models.ActionNegotiateFee,
				Reasoning:   []string{"denial grounded in cost; negotiate the fee down"},
				PauseReason: models.Ptr(models.PauseFeeQuote),
			}
		case models.DenialRetentionExpired:
			return decision{
				Action:    models.ActionEscalate,
				Reasoning: []string{"records claimed destroyed under retention policy"},
			}
		case models.DenialOngoingInvestigation, models.DenialPrivacyExemption:
			return decision{
				Action:      models.ActionSendRebuttal,
				Reasoning:   []string{fmt.Sprintf("denial subtype %s is contestable by rebuttal", *cls.DenialSubtype)},
				PauseReason: models.Ptr(models.PauseDenial),
			}
		}
	}

	strength := denialStrength(cls.KeyPoints)
	switch {
	case strength >= 2:
		return decision{
			Action:      models.ActionCloseCase,
			Reasoning:   []string{fmt.Sprintf("denial cites %d strong legal grounds; rebuttal unlikely to succeed", strength)},
			PauseReason: models.Ptr(models.PauseDenial),
		}
	case strength == 1:
		return decision{
			Action:      models.ActionSendRebuttal,
			Reasoning:   []string{"denial cites one legal ground; rebuttal needs review before sending"},
			PauseReason: models.Ptr(models.PauseDenial),
			ForceGate:   true,
		}
	default:
		return decision{
			Action:      models.ActionSendRebuttal,
			Reasoning:   []string{"denial cites no legal grounds; standard rebuttal applies"},
			PauseReason: models.Ptr(models.PauseDenial),
		}
	}
}

// denialStrength counts how many strong legal indicators appear across the
// classifier's key points. Each indicator counts once no matter how often
// it repeats.
func denialStrength(keyPoints []string) int {
	joined := strings.ToLower(strings.Join(keyPoints, " "))
	count := 0
	for _, indicator := range strongDenialIndicators {
		if strings.Contains(joined, indicator) {
			count++
		}
	}
	return count
}

// shouldGate applies the gating matrix: risk flags, the static
// always-gates table, the routing's force-gate verdict, and the autopilot
// mode in that order.
func shouldGate(cfg *config.Config, st *State, traits models.ActionTraits) (bool, string) {
	switch {
	case len(st.RiskFlags) > 0:
		return true, "safety check raised risk flags"
	case traits.AlwaysGates:
		return true, fmt.Sprintf("%s always requires review", st.Action)
	case st.ForceGate:
		return true, "routing policy requires review for this decision"
	case st.AutopilotMode == models.AutopilotManual:
		return true, "case is in MANUAL mode"
	case st.AutopilotMode == models.AutopilotSupervised && !cfg.Autopilot.AllowsInSupervised(st.Action):
		return true, fmt.Sprintf("%s is not on the SUPERVISED allowlist", st.Action)
	}
	return false, ""
}
