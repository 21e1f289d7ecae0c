package subscription

// Input is the payload for creating a subscription.
type Input struct {
	URL          string   `json:"url"`
	TokenAddress string   `json:"token_address,omitempty"`
	EventTypes   []string `json:"event_types"`
	CreatedBy    string   `json:"created_by"`
	RateLimit    int      `json:"rate_limit,omitempty"`

	// Secret is optional; a random one is generated when empty.
	Secret string `json:"secret,omitempty"`
}
