package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Investment action tags.
const (
	ActExplore     = "explore"
	ActExchange    = "exchange"
	ActBuild       = "build"
	ActOpenCrate   = "open_crate"
	ActBankDeposit = "bank_deposit"
	ActMine        = "mine"
	ActUsePickaxe  = "use_pickaxe"
	ActDone        = "done"
)

// InvestmentAction is the closed set of investment-phase decisions.
type InvestmentAction interface {
	Tag() string
	isInvestment()
}

type Explore struct{}
type Exchange struct{}
type Build struct{ Building string }
type OpenCrate struct{}
type BankDeposit struct {
	Item string
	Qty  int
}
type Mine struct{ Selections []int }
type UsePickaxe struct{}
type Done struct{}

// Unknown is produced for a tag outside the closed set so the scheduler can
// reject it with a typed error instead of dropping it.
type Unknown struct{ Raw string }

func (Explore) Tag() string     { return ActExplore }
func (Exchange) Tag() string    { return ActExchange }
func (Build) Tag() string       { return ActBuild }
func (OpenCrate) Tag() string   { return ActOpenCrate }
func (BankDeposit) Tag() string { return ActBankDeposit }
func (Mine) Tag() string        { return ActMine }
func (UsePickaxe) Tag() string  { return ActUsePickaxe }
func (Done) Tag() string        { return ActDone }
func (Unknown) Tag() string     { return "unknown" }

func (Explore) isInvestment()     {}
func (Exchange) isInvestment()    {}
func (Build) isInvestment()       {}
func (OpenCrate) isInvestment()   {}
func (BankDeposit) isInvestment() {}
func (Mine) isInvestment()        {}
func (UsePickaxe) isInvestment()  {}
func (Done) isInvestment()        {}
func (Unknown) isInvestment()     {}

var ErrEmptyPayload = errors.New("empty payload")

type investmentPayload struct {
	Action     string          `json:"action"`
	Building   string          `json:"building,omitempty"`
	Item       string          `json:"item,omitempty"`
	Qty        int             `json:"qty,omitempty"`
	Selections []int           `json:"selections,omitempty"`
	Investment json.RawMessage `json:"investment,omitempty"`
}

// DecodeInvestment parses the tagged form {"action":"build","building":"farm"}.
// The compact forms of the first client ("1", {"3":"farm"}, {"5":"goldx2"},
// {"6":[0,1]}, "7", "ok"), bare or under an "investment" key, map onto the
// same variants.
func DecodeInvestment(raw json.RawMessage) (InvestmentAction, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrEmptyPayload
	}
	var p investmentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return decodeLegacyInvestment(raw)
	}
	if p.Action == "" {
		if len(p.Investment) > 0 {
			return decodeLegacyInvestment(p.Investment)
		}
		return decodeLegacyInvestment(raw)
	}
	switch p.Action {
	case ActExplore:
		return Explore{}, nil
	case ActExchange:
		return Exchange{}, nil
	case ActBuild:
		return Build{Building: p.Building}, nil
	case ActOpenCrate:
		return OpenCrate{}, nil
	case ActBankDeposit:
		return BankDeposit{Item: p.Item, Qty: p.Qty}, nil
	case ActMine:
		return Mine{Selections: p.Selections}, nil
	case ActUsePickaxe:
		return UsePickaxe{}, nil
	case ActDone:
		return Done{}, nil
	}
	return Unknown{Raw: p.Action}, nil
}

func decodeLegacyInvestment(raw json.RawMessage) (InvestmentAction, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "ok":
			return Done{}, nil
		case "1":
			return Explore{}, nil
		case "2":
			return Exchange{}, nil
		case "4":
			return OpenCrate{}, nil
		case "7":
			return UsePickaxe{}, nil
		}
		return Unknown{Raw: s}, nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("investment payload: %w", err)
	}
	if len(m) != 1 {
		return Unknown{Raw: string(raw)}, nil
	}
	for k, v := range m {
		switch k {
		case "3":
			var b string
			if err := json.Unmarshal(v, &b); err != nil {
				return nil, fmt.Errorf("build payload: %w", err)
			}
			return Build{Building: b}, nil
		case "5":
			var spec string
			if err := json.Unmarshal(v, &spec); err != nil {
				return nil, fmt.Errorf("deposit payload: %w", err)
			}
			item, qty, err := parseItemQty(spec)
			if err != nil {
				return nil, err
			}
			return BankDeposit{Item: item, Qty: qty}, nil
		case "6":
			var sel []int
			if err := json.Unmarshal(v, &sel); err != nil {
				return nil, fmt.Errorf("mine payload: %w", err)
			}
			return Mine{Selections: sel}, nil
		}
	}
	return Unknown{Raw: string(raw)}, nil
}

// parseItemQty splits "goldx2".
func parseItemQty(s string) (string, int, error) {
	i := strings.LastIndex(s, "x")
	if i <= 0 || i == len(s)-1 {
		return "", 0, fmt.Errorf("deposit payload %q: want <item>x<qty>", s)
	}
	qty, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("deposit payload %q: %w", s, err)
	}
	return s[:i], qty, nil
}

// Bid is a bidding-phase decision. Zero abstains.
type Bid struct {
	Amount int `json:"bid"`
}

func DecodeBid(raw json.RawMessage) (Bid, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Bid{}, ErrEmptyPayload
	}
	var b struct {
		Bid *int `json:"bid"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return Bid{}, fmt.Errorf("bid payload: %w", err)
	}
	if b.Bid == nil {
		return Bid{}, fmt.Errorf("bid payload: missing bid")
	}
	return Bid{Amount: *b.Bid}, nil
}

// Want is a fulfillment-phase decision: take the market item at Index, or stop.
type Want struct {
	Index int  `json:"index"`
	Done  bool `json:"done,omitempty"`
}

func DecodeWant(raw json.RawMessage) (Want, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Want{}, ErrEmptyPayload
	}
	var w struct {
		Index *int            `json:"index"`
		Done  bool            `json:"done"`
		Want  json.RawMessage `json:"want"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Want{}, fmt.Errorf("want payload: %w", err)
	}
	if w.Done {
		return Want{Done: true}, nil
	}
	if w.Index != nil {
		return Want{Index: *w.Index}, nil
	}
	if len(w.Want) > 0 {
		var s string
		if err := json.Unmarshal(w.Want, &s); err == nil {
			if s == "ok" {
				return Want{Done: true}, nil
			}
			return Want{}, fmt.Errorf("want payload: unknown token %q", s)
		}
		var idx int
		if err := json.Unmarshal(w.Want, &idx); err != nil {
			return Want{}, fmt.Errorf("want payload: %w", err)
		}
		return Want{Index: idx}, nil
	}
	return Want{}, fmt.Errorf("want payload: missing index")
}
