package app

import (
	"context"

	"github.com/arvobank/settlement-service/internal/domain"
)

// PolicyScreener is the built-in deposit screener: it holds deposits
// originating from institutions on the suspect list and deposits at or
// above the cautionary amount threshold. The final verdict on a held
// deposit comes from the compliance service asynchronously.
type PolicyScreener struct {
	suspectISPBs  map[string]struct{}
	holdThreshold int64 // centavos; zero disables
}

// NewPolicyScreener builds a screener from the configured suspect-bank
// list and cautionary threshold.
func NewPolicyScreener(suspectISPBs []string, holdThreshold int64) *PolicyScreener {
	set := make(map[string]struct{}, len(suspectISPBs))
	for _, ispb := range suspectISPBs {
		set[ispb] = struct{}{}
	}
	return &PolicyScreener{suspectISPBs: set, holdThreshold: holdThreshold}
}

// Screen decides whether the deposit starts under a cautionary hold.
func (p *PolicyScreener) Screen(_ context.Context, event domain.DepositReceivedEvent) (bool, string) {
	if _, suspect := p.suspectISPBs[event.Origin.BankISPB]; suspect {
		return true, "suspect_origin_institution"
	}
	if p.holdThreshold > 0 && event.Amount >= p.holdThreshold {
		return true, "amount_above_cautionary_threshold"
	}
	return false, ""
}
