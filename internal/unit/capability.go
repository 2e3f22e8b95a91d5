package unit

import (
	"fmt"
	"strings"
)

// Capability identifies the worker role able to execute a unit.
type Capability string

const (
	CapLeadQualifier       Capability = "lead_qualifier"
	CapObjectionHandler    Capability = "objection_handler"
	CapPropertyMatcher     Capability = "property_matcher"
	CapMarketAnalyst       Capability = "market_analyst"
	CapConversationAnalyst Capability = "conversation_analyst"
	CapJourneyMapper       Capability = "journey_mapper"
	CapDocumentAnalyst     Capability = "document_analyst"
	CapReportSynthesizer   Capability = "report_synthesizer"
)

// Capabilities is the closed set of known capabilities.
var Capabilities = []Capability{
	CapLeadQualifier,
	CapObjectionHandler,
	CapPropertyMatcher,
	CapMarketAnalyst,
	CapConversationAnalyst,
	CapJourneyMapper,
	CapDocumentAnalyst,
	CapReportSynthesizer,
}

// Known reports whether c is part of the closed capability set.
func (c Capability) Known() bool {
	for _, k := range Capabilities {
		if k == c {
			return true
		}
	}
	return false
}

// ParseCapability returns the capability named s.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if !c.Known() {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}
