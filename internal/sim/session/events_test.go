package session

import (
	"reflect"
	"testing"

	"resourceisland/internal/sim/market"
)

func TestValueUpdate_RaisesUntakenLowersHot(t *testing.T) {
	s := newTestSession(t, nil)
	s.st.Epoch = 3
	s.st.Taken["wood"] = 5
	s.st.Taken["food"] = 9
	s.st.Taken["gold"] = 2
	s.st.Values["food"] = 1

	s.runValueUpdate()

	want := map[string]int{"diamond": 9, "gold": 6, "wood": 1, "ore": 4, "food": 1, "iron": 3}
	if !reflect.DeepEqual(s.st.Values, want) {
		t.Fatalf("values=%v want %v", s.st.Values, want)
	}
	for k, v := range s.st.Taken {
		if v != 0 {
			t.Fatalf("counter %s=%d not reset", k, v)
		}
	}
}

func TestValueUpdate_OffEpochOnlyResetsCounters(t *testing.T) {
	s := newTestSession(t, nil)
	s.st.Epoch = 2
	s.st.Taken["gold"] = 7
	before := copyInts(s.st.Values)

	s.runValueUpdate()

	if !reflect.DeepEqual(s.st.Values, before) {
		t.Fatalf("values changed off epoch: %v", s.st.Values)
	}
	if s.st.Taken["gold"] != 0 {
		t.Fatalf("counter not reset")
	}
}

func TestEvent_Famine(t *testing.T) {
	s := newTestSession(t, nil)
	seat(s, "fed", 0, map[string]int{"food": 5})
	seat(s, "hungry", 0, map[string]int{"food": 2, "gold": 9})

	dead := s.applyEvent(s.cfg.Catalogs.Events.ByID["famine"])
	if !reflect.DeepEqual(dead, []string{"hungry"}) {
		t.Fatalf("dead=%v", dead)
	}
	if s.st.Players["fed"].Resources["food"] != 2 || s.st.Deck.Count("food") != 3 {
		t.Fatalf("fed food=%d deck food=%d", s.st.Players["fed"].Resources["food"], s.st.Deck.Count("food"))
	}

	s.bury("famine", dead)
	if _, ok := s.st.Players["hungry"]; ok || !reflect.DeepEqual(s.st.Order, []string{"fed"}) {
		t.Fatalf("hungry still seated: order=%v", s.st.Order)
	}
}

func TestEvent_Pillage(t *testing.T) {
	s := newTestSession(t, nil)
	guarded := seat(s, "guarded", 0, map[string]int{"food": 1}, "cannon", "farm")
	rich := seat(s, "rich", 0, map[string]int{"gold": 3, "wood": 4})
	seat(s, "poor", 0, map[string]int{"food": 3})

	dead := s.applyEvent(s.cfg.Catalogs.Events.ByID["pillage"])

	if !reflect.DeepEqual(dead, []string{"poor"}) {
		t.Fatalf("dead=%v", dead)
	}
	if !reflect.DeepEqual(guarded.Buildings, []string{"farm"}) || guarded.Resources["food"] != 1 {
		t.Fatalf("cannon not consumed instead of paying: %+v", guarded)
	}
	// 18 = gold x3 exactly; one line beats gold+wood mixes.
	if rich.Resources["gold"] != 0 || rich.Resources["wood"] != 4 {
		t.Fatalf("rich=%v", rich.Resources)
	}
}

func TestEvent_DisasterAndBlessing(t *testing.T) {
	s := newTestSession(t, nil)
	s.st.Market = market.New("a", "b", "c", "d", "e")
	p := seat(s, "p", 1, nil)

	s.applyEvent(s.cfg.Catalogs.Events.ByID["disaster"])
	if !reflect.DeepEqual(s.st.Market.Items(), []string{"a", "b"}) || s.st.Deck.ReturnedLen() != 3 {
		t.Fatalf("market=%v returned=%d", s.st.Market.Items(), s.st.Deck.ReturnedLen())
	}

	s.applyEvent(s.cfg.Catalogs.Events.ByID["blessing"])
	if p.ActionPoints != 3 {
		t.Fatalf("ap=%d", p.ActionPoints)
	}
	if dead := s.applyEvent(s.cfg.Catalogs.Events.ByID["treasure"]); len(dead) != 0 {
		t.Fatalf("treasure killed %v", dead)
	}
}

func TestEventCard_ImmunityStrikesPermanently(t *testing.T) {
	s := newTestSession(t, nil)
	seat(s, "p", 0, map[string]int{"food": 0})
	if len(s.st.events) != 8 {
		t.Fatalf("event deck=%d", len(s.st.events))
	}

	s.st.Epoch = 3
	s.runEventCard()

	if !s.st.immunityStruck || len(s.st.events) != 4 {
		t.Fatalf("struck=%v deck=%d", s.st.immunityStruck, len(s.st.events))
	}
	for _, ev := range s.st.events {
		if ev.StruckByImmunity {
			t.Fatalf("%s left in deck", ev.ID)
		}
	}
	// With famine gone the foodless player always survives.
	for _, epoch := range []int{18, 21, 23, 25, 27} {
		s.st.Epoch = epoch
		s.runEventCard()
	}
	if _, ok := s.st.Players["p"]; !ok {
		t.Fatalf("player eliminated by a struck event")
	}
}

func TestScores_RankByValueBuildingsBank(t *testing.T) {
	s := newTestSession(t, nil)
	seat(s, "a", 0, map[string]int{"gold": 1}, "farm")
	seat(s, "b", 0, map[string]int{"wood": 5})
	seat(s, "c", 0, nil).Bank = 10

	got := s.computeScores()
	want := []Score{{"c", 13, 1}, {"a", 10, 2}, {"b", 10, 3}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("scores=%+v want %+v", got, want)
	}
}
