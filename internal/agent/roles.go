// Package agent maps each capability to the specialist role that executes
// it: the role's system prompt, how a unit becomes a prompt and how the
// model's reply becomes a structured result.
package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/conductor/internal/unit"
)

// Role is the fixed model configuration of one capability.
type Role struct {
	Capability unit.Capability
	Name       string
	System     string
	// MaxTokens overrides the service default when positive, Temperature
	// when non-nil. A zero temperature is a valid override.
	MaxTokens   int
	Temperature *float64
}

func temperature(v float64) *float64 { return &v }

const responseContract = `
Respond with a single JSON object with these fields:
  "summary": short plain-language conclusion,
  "confidence": number between 0 and 1,
  "recommended_actions": list of {"action", "priority" (high|medium|low), "timing" (immediate|urgent|moderate|low), "reasoning"},
  "risk_factors": list of strings,
  "opportunities": list of strings,
plus any role-specific fields.`

// Roles is the closed capability to role table. Every known capability has
// exactly one entry; Validate enforces that at startup.
var Roles = map[unit.Capability]Role{
	unit.CapLeadQualifier: {
		Name: "Lead Qualifier",
		System: `You are an expert real estate lead intelligence analyst. Score the lead's
qualification from the supplied profile, engagement history and stated
budget and timeline. Identify motivation, financing readiness and churn risk.
Include "qualification_score" (0-100) and "temperature" (hot|warm|cold).`,
		Temperature: temperature(0.3),
	},
	unit.CapObjectionHandler: {
		Name: "Objection Handler",
		System: `You are a real estate sales communication specialist. Classify the
objection raised by the lead (price, timing, trust, competition, financing)
and craft a natural, empathetic response that addresses it without pressure.
Include "objection_type" and "suggested_response".`,
	},
	unit.CapPropertyMatcher: {
		Name: "Property Matcher",
		System: `You are a property matching specialist. Compare the buyer's needs and
lifestyle preferences with the candidate listings and rank the best fits.
Include "matches" as a list of {"listing_id", "score", "reasons"}.`,
		Temperature: temperature(0.4),
	},
	unit.CapMarketAnalyst: {
		Name: "Market Analyst",
		System: `You are a real estate market analyst. Interpret the supplied market data
for the area: price trends, inventory, days on market and competitive
positioning. Include "market_condition" (buyers|balanced|sellers).`,
		Temperature: temperature(0.3),
	},
	unit.CapConversationAnalyst: {
		Name: "Conversation Analyst",
		System: `You analyse conversations between agents and leads. Assess sentiment,
engagement, intent signals and unanswered questions in the transcript.
Include "sentiment" (positive|neutral|negative) and "intent_signals".`,
	},
	unit.CapJourneyMapper: {
		Name: "Journey Mapper",
		System: `You map where a client is in the buying or selling journey. Place the
client in a stage, name the blockers to the next stage and the touchpoints
that would move them forward. Include "stage" and "next_stage".`,
	},
	unit.CapDocumentAnalyst: {
		Name: "Document Analyst",
		System: `You review real estate documents such as disclosures, inspection reports
and contracts. Extract key terms, deadlines and anything unusual that needs
the agent's attention. Include "key_terms" and "deadlines".`,
		Temperature: temperature(0.2),
	},
	unit.CapReportSynthesizer: {
		Name: "Report Synthesizer",
		System: `You are a business intelligence analyst for a real estate team. Combine
the supplied metrics and findings into an executive summary with trends,
pipeline health and concrete next steps. Write direct, data-driven prose.`,
		MaxTokens: 4000,
	},
}

func init() {
	for c, r := range Roles {
		r.Capability = c
		Roles[c] = r
	}
}

// Lookup returns the role for capability.
func Lookup(c unit.Capability) (Role, bool) {
	r, ok := Roles[c]
	return r, ok
}

// Validate checks that the role table and the capability enum agree.
func Validate() error {
	var missing, extra []string
	for _, c := range unit.Capabilities {
		r, ok := Roles[c]
		if !ok || strings.TrimSpace(r.System) == "" {
			missing = append(missing, string(c))
		}
	}
	for c := range Roles {
		if !c.Known() {
			extra = append(extra, string(c))
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)

	switch {
	case len(missing) > 0:
		return fmt.Errorf("agent roles missing for capabilities: %s", strings.Join(missing, ", "))
	case len(extra) > 0:
		return fmt.Errorf("agent roles defined for unknown capabilities: %s", strings.Join(extra, ", "))
	}
	return nil
}

// SystemPrompt is the role prompt followed by the shared response contract.
func (r Role) SystemPrompt() string {
	return strings.TrimSpace(r.System) + "\n" + responseContract
}
