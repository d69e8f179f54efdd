package domain

// Bus channels carrying market lifecycle events.
const (
	ChannelRounds = "rounds"
	ChannelBets   = "bets"
	ChannelClaims = "claims"

	// StreamRounds is the durable copy of round lifecycle events.
	StreamRounds = "stream:rounds"
)

// Event types published on the bus. Payloads are JSON objects with an "event"
// field holding one of these values.
const (
	EventRoundStarted   = "round_started"
	EventRoundLocked    = "round_locked"
	EventRoundSettled   = "round_settled"
	EventRoundCancelled = "round_cancelled"
	EventBetPlaced      = "bet_placed"
	EventClaimPaid      = "claim_paid"
	EventTreasuryClaim  = "treasury_claimed"
)
