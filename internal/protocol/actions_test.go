package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestDecodeInvestment_TaggedAndLegacy(t *testing.T) {
	cases := []struct {
		raw  string
		want InvestmentAction
	}{
		{`{"action":"explore"}`, Explore{}},
		{`{"action":"exchange"}`, Exchange{}},
		{`{"action":"build","building":"farm"}`, Build{Building: "farm"}},
		{`{"action":"open_crate"}`, OpenCrate{}},
		{`{"action":"bank_deposit","item":"gold","qty":2}`, BankDeposit{Item: "gold", Qty: 2}},
		{`{"action":"mine","selections":[3,1]}`, Mine{Selections: []int{3, 1}}},
		{`{"action":"use_pickaxe"}`, UsePickaxe{}},
		{`{"action":"done"}`, Done{}},
		{`{"action":"teleport"}`, Unknown{Raw: "teleport"}},

		{`"ok"`, Done{}},
		{`"1"`, Explore{}},
		{`"2"`, Exchange{}},
		{`"4"`, OpenCrate{}},
		{`"7"`, UsePickaxe{}},
		{`"9"`, Unknown{Raw: "9"}},
		{`{"3":"bank"}`, Build{Building: "bank"}},
		{`{"5":"ironx4"}`, BankDeposit{Item: "iron", Qty: 4}},
		{`{"6":[0,2]}`, Mine{Selections: []int{0, 2}}},
		{`{"investment":{"3":"cannon"}}`, Build{Building: "cannon"}},
		{`{"investment":"1"}`, Explore{}},
	}
	for _, tc := range cases {
		got, err := DecodeInvestment(json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: got %#v want %#v", tc.raw, got, tc.want)
		}
	}
}

func TestDecodeInvestment_Errors(t *testing.T) {
	for _, raw := range []string{``, `null`, `{"5":"gold"}`, `{"5":"goldxx"}`, `{"6":"all"}`, `[1,2]`} {
		if _, err := DecodeInvestment(json.RawMessage(raw)); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}

func TestDecodeBidAndWant(t *testing.T) {
	b, err := DecodeBid(json.RawMessage(`{"bid":4}`))
	if err != nil || b.Amount != 4 {
		t.Fatalf("bid=%+v err=%v", b, err)
	}
	if _, err := DecodeBid(json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected missing bid rejected")
	}

	wants := []struct {
		raw  string
		want Want
	}{
		{`{"index":2}`, Want{Index: 2}},
		{`{"index":0}`, Want{Index: 0}},
		{`{"done":true}`, Want{Done: true}},
		{`{"want":"ok"}`, Want{Done: true}},
		{`{"want":5}`, Want{Index: 5}},
	}
	for _, tc := range wants {
		got, err := DecodeWant(json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
	if _, err := DecodeWant(json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected empty want rejected")
	}
}

func TestNotificationBuilders(t *testing.T) {
	n := Error(ErrorBidding, Target{"player": "a", "reason": BidReasonInsufficient})
	if n.Kind != KindError || n.Type() != ErrorBidding {
		t.Fatalf("unexpected envelope: %+v", n)
	}
	fields := Target{"type": "overridden"}
	n2 := Notify(NotifyKicked, fields)
	if n2.Type() != NotifyKicked {
		t.Fatalf("type should win over fields: %+v", n2)
	}
	if fields["type"] != "overridden" {
		t.Fatalf("builder must not mutate caller fields")
	}
}
