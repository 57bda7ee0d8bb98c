package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrRateLimit       = "E_RATE_LIMIT"

	// Session routing/state.
	ErrSessionNotFound = "E_SESSION_NOT_FOUND"
	ErrSessionBusy     = "E_SESSION_BUSY"
	ErrNotPlaying      = "E_NOT_PLAYING"
	ErrTimeout         = "E_TIMEOUT"
	ErrPermission      = "E_PERMISSION"

	// Rule/action layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrNoResource    = "E_NO_RESOURCE"
	ErrUnknown       = "E_UNKNOWN"
	ErrInvalidTarget = "E_INVALID_TARGET"
	ErrOverCap       = "E_OVER_CAP"
	ErrCooldown      = "E_COOLDOWN"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrRateLimit:       {},
	ErrSessionNotFound: {},
	ErrSessionBusy:     {},
	ErrNotPlaying:      {},
	ErrTimeout:         {},
	ErrPermission:      {},
	ErrBadRequest:      {},
	ErrNoResource:      {},
	ErrUnknown:         {},
	ErrInvalidTarget:   {},
	ErrOverCap:         {},
	ErrCooldown:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Reason is the numeric rejection reason carried by investment_error and
// bidding_error. Existing clients switch on these numbers.
type Reason int

const (
	ReasonInsufficient Reason = 1
	ReasonUnknownName  Reason = 2
	ReasonBadIndex     Reason = 3
	ReasonUnknownTag   Reason = 4
	ReasonOverCap      Reason = 5
	ReasonAlreadyUsed  Reason = 6
)

// Bidding reasons reuse the low numbers with their own meaning.
const (
	BidReasonBadIndex     Reason = 1
	BidReasonInsufficient Reason = 2
	BidReasonInvalidBid   Reason = 3
)

// InvestmentCode maps an investment reason to its protocol code.
func InvestmentCode(r Reason) string {
	switch r {
	case ReasonInsufficient:
		return ErrNoResource
	case ReasonUnknownName:
		return ErrUnknown
	case ReasonBadIndex:
		return ErrInvalidTarget
	case ReasonUnknownTag:
		return ErrBadRequest
	case ReasonOverCap:
		return ErrOverCap
	case ReasonAlreadyUsed:
		return ErrCooldown
	}
	return ErrInternal
}

// BiddingCode maps a bidding reason to its protocol code.
func BiddingCode(r Reason) string {
	switch r {
	case BidReasonBadIndex:
		return ErrInvalidTarget
	case BidReasonInsufficient:
		return ErrNoResource
	case BidReasonInvalidBid:
		return ErrBadRequest
	}
	return ErrInternal
}
