package protocol

import "encoding/json"

const Version = "1.0"

// Inbound frame types.
const (
	TypeHello   = "hello"
	TypeCommand = "command"
)

// ActionKind names the router queue a submission belongs to.
type ActionKind string

const (
	KindInvestment  ActionKind = "investment"
	KindBidding     ActionKind = "bidding"
	KindBiddingWant ActionKind = "bidding_want"
)

func (k ActionKind) Valid() bool {
	switch k {
	case KindInvestment, KindBidding, KindBiddingWant:
		return true
	}
	return false
}

// Envelope kinds for outbound notifications.
const (
	KindNotify = "notify"
	KindError  = "error"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
