package llm

import (
	"fmt"
	"strings"
)

const classifySystemPrompt = `You triage replies from government agencies to public-records requests.
Read the inbound message and answer with a single JSON object:
{
  "classification": one of ACKNOWLEDGMENT, RECORDS_READY, DELIVERY, PARTIAL_APPROVAL, FEE_QUOTE, DENIAL, CLARIFICATION_REQUEST, PORTAL_REDIRECT, WRONG_AGENCY, HOSTILE, NO_RESPONSE, UNKNOWN,
  "denial_subtype": for DENIAL only, one of no_records, wrong_agency, overly_broad, excessive_fees, retention_expired, ongoing_investigation, privacy_exemption, or null,
  "key_points": short phrases quoting the message's substantive claims,
  "fee_amount": numeric fee quoted, or null,
  "portal_url": submission portal URL mentioned, or null,
  "requires_response": whether the requester must reply,
  "confidence": 0.0-1.0,
  "reasoning": one sentence
}
Use UNKNOWN when unsure. Never invent fees or URLs.`

const draftSystemPrompt = `You draft professional correspondence for public-records requesters.
Keep a firm, courteous tone. Cite the request context you are given; never
invent statutes, deadlines, or facts. Answer with a single JSON object:
{"subject": "...", "body": "...", "reasoning": "one sentence", "confidence": 0.0-1.0}`

func classifyPrompt(in ClassifyInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agency: %s\n", in.AgencyName)
	if len(in.RequestedRecords) > 0 {
		fmt.Fprintf(&b, "Records requested: %s\n", strings.Join(in.RequestedRecords, "; "))
	}
	if len(in.RecentCorrespondence) > 0 {
		b.WriteString("\nPrior correspondence (oldest first):\n")
		for _, msg := range in.RecentCorrespondence {
			fmt.Fprintf(&b, "- %s\n", msg)
		}
	}
	fmt.Fprintf(&b, "\nInbound message:\nSubject: %s\n\n%s\n", in.Subject, in.Body)
	return b.String()
}

func draftPrompt(in DraftInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s\nAgency: %s\n", in.Action, in.AgencyName)
	if len(in.RequestedRecords) > 0 {
		fmt.Fprintf(&b, "Records requested: %s\n", strings.Join(in.RequestedRecords, "; "))
	}
	if in.FeeAmount != nil {
		fmt.Fprintf(&b, "Quoted fee: %.2f\n", *in.FeeAmount)
	}
	if len(in.KeyPoints) > 0 {
		fmt.Fprintf(&b, "Agency's key points: %s\n", strings.Join(in.KeyPoints, "; "))
	}
	if in.TriggerBody != "" {
		fmt.Fprintf(&b, "\nMessage being answered:\nSubject: %s\n\n%s\n", in.TriggerSubject, in.TriggerBody)
	}
	if in.Instruction != nil && *in.Instruction != "" {
		fmt.Fprintf(&b, "\nReviewer instruction (must be followed): %s\n", *in.Instruction)
	}
	return b.String()
}
