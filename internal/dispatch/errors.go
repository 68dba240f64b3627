package dispatch

import "errors"

// Precondition errors surfaced synchronously by Start. None of them mutates
// the campaign.
var (
	ErrSessionNotAuthenticated  = errors.New("session not authenticated")
	ErrCampaignNotFound         = errors.New("campaign not found")
	ErrCampaignAlreadyProcessed = errors.New("campaign already processed")
	ErrNoRecipients             = errors.New("campaign has no recipients")
	ErrDispatchInFlight         = errors.New("another dispatch is in flight")
)
