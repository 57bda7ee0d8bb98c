package protocol

import "encoding/json"

// HelloMsg is the first frame a player sends on a bidirectional channel.
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id,omitempty"`
	Player          string `json:"player"`
}

// ActionEnvelope carries one decision for the phase currently awaiting it.
// The player is implied by the channel it arrived on.
type ActionEnvelope struct {
	Type    ActionKind      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CommandMsg is a privileged control request.
type CommandMsg struct {
	Type    string     `json:"type"`
	Payload CommandReq `json:"payload"`
}

type CommandReq struct {
	Token    string          `json:"token"`
	Verb     string          `json:"verb"`
	Player   string          `json:"player,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Resource string          `json:"resource,omitempty"`
	Amount   int             `json:"amount,omitempty"`
	Building string          `json:"building,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Admin verbs.
const (
	VerbEvict      = "evict"
	VerbGrant      = "grant"
	VerbRelay      = "relay"
	VerbForceBuild = "force_build"
	VerbHalt       = "halt"
)

// Notification is the outbound envelope: {kind, target:{type, ...}}.
type Notification struct {
	Kind   string `json:"kind"`
	Target Target `json:"target"`
}

type Target map[string]any

func Notify(typ string, fields Target) Notification {
	return build(KindNotify, typ, fields)
}

func Error(typ string, fields Target) Notification {
	return build(KindError, typ, fields)
}

func build(kind, typ string, fields Target) Notification {
	t := make(Target, len(fields)+1)
	for k, v := range fields {
		t[k] = v
	}
	t["type"] = typ
	return Notification{Kind: kind, Target: t}
}

// Type returns target.type.
func (n Notification) Type() string {
	s, _ := n.Target["type"].(string)
	return s
}

// Notification types.
const (
	NotifyWelcome         = "welcome"
	NotifyPlayerJoin      = "player_join"
	NotifyPlayerLeft      = "player_left"
	NotifyGameStart       = "game_start"
	NotifyGameOver        = "game_over"
	NotifyPhaseChanged    = "phase_changed"
	NotifyDataRequired    = "data_required"
	NotifyBuildingWorked  = "building_worked"
	NotifyBuildingIdle    = "building_idle"
	NotifyInvestmentOK    = "investment_success"
	NotifyBiddingOK       = "bidding_success"
	NotifyBiddingSorted   = "bidding_sorted"
	NotifyValueChanged    = "value_changed"
	NotifyEventChoiced    = "event_choiced"
	NotifyDiedPlayers     = "died_players"
	NotifyEliminated      = "eliminated"
	NotifyKicked          = "kicked"
	NotifyServerStop      = "server_stop"
	NotifyCommandOK       = "command_success"
	NotifyRelay           = "relay"
	ErrorInvestment       = "investment_error"
	ErrorBidding          = "bidding_error"
	ErrorMarket           = "market_error"
	ErrorMarketEmpty      = "market_empty"
	ErrorTimeout          = "timeout"
	ErrorJoinRejected     = "join_rejected"
	ErrorPermissionDenied = "permission_denied"
	ErrorCmdSyntax        = "cmd_syntax_error"
	ErrorRateLimited      = "rate_limited"
	ErrorBadRequest       = "bad_request"
	ErrorBusy             = "busy"
	ErrorLobbyExpired     = "lobby_expired"
)
