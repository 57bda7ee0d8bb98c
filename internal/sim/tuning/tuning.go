package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`

	EpochCap          int `yaml:"epoch_cap" json:"epoch_cap"`
	MinPlayers        int `yaml:"min_players" json:"min_players"`
	MaxPlayers        int `yaml:"max_players" json:"max_players"`
	StartPlayers      int `yaml:"start_players" json:"start_players"`
	LobbyTimeoutMs    int `yaml:"lobby_timeout_ms" json:"lobby_timeout_ms"`
	DecisionTimeoutMs int `yaml:"decision_timeout_ms" json:"decision_timeout_ms"`

	InitialMarket        int            `yaml:"initial_market" json:"initial_market"`
	StartingActionPoints int            `yaml:"starting_action_points" json:"starting_action_points"`
	StartingResources    map[string]int `yaml:"starting_resources" json:"starting_resources"`

	ExploreCost     int      `yaml:"explore_cost" json:"explore_cost"`
	ExploreDraw     int      `yaml:"explore_draw" json:"explore_draw"`
	BuildCost       int      `yaml:"build_cost" json:"build_cost"`
	Exchange        Exchange `yaml:"exchange" json:"exchange"`
	Crate           Crate    `yaml:"crate" json:"crate"`
	MarketEmptyDraw int      `yaml:"market_empty_draw" json:"market_empty_draw"`

	ValueUpdateEvery int `yaml:"value_update_every" json:"value_update_every"`
	TakeThreshold    int `yaml:"take_threshold" json:"take_threshold"`

	ReservedPrefix string `yaml:"reserved_prefix" json:"reserved_prefix"`

	Scoring   Scoring   `yaml:"scoring" json:"scoring"`
	RateLimit RateLimit `yaml:"rate_limit" json:"rate_limit"`
	Sessions  Sessions  `yaml:"sessions" json:"sessions"`
}

type Exchange struct {
	FoodCost     int `yaml:"food_cost" json:"food_cost"`
	ActionPoints int `yaml:"action_points" json:"action_points"`
}

type Crate struct {
	ActionPointCost int `yaml:"action_point_cost" json:"action_point_cost"`
	OreCost         int `yaml:"ore_cost" json:"ore_cost"`
}

type Scoring struct {
	BuildingWeight float64 `yaml:"building_weight" json:"building_weight"`
	BankWeight     float64 `yaml:"bank_weight" json:"bank_weight"`
}

type RateLimit struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

type Sessions struct {
	MaxSessions      int `yaml:"max_sessions" json:"max_sessions"`
	RetainFinishedMs int `yaml:"retain_finished_ms" json:"retain_finished_ms"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:      "1.0",
		EpochCap:             30,
		MinPlayers:           2,
		MaxPlayers:           4,
		StartPlayers:         3,
		LobbyTimeoutMs:       300_000,
		DecisionTimeoutMs:    60_000,
		InitialMarket:        20,
		StartingActionPoints: 3,
		StartingResources:    map[string]int{"food": 10},
		ExploreCost:          1,
		ExploreDraw:          2,
		BuildCost:            3,
		Exchange:             Exchange{FoodCost: 1, ActionPoints: 3},
		Crate:                Crate{ActionPointCost: 1, OreCost: 1},
		MarketEmptyDraw:      2,
		ValueUpdateEvery:     3,
		TakeThreshold:        5,
		ReservedPrefix:       "reserved_",
		Scoring:              Scoring{BuildingWeight: 4, BankWeight: 1.3},
		RateLimit:            RateLimit{PerSecond: 10, Burst: 20},
		Sessions:             Sessions{MaxSessions: 64, RetainFinishedMs: 600_000},
	}
}

// Load reads path over Defaults so a partial file only overrides what it names.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.EpochCap <= 0 {
		return fmt.Errorf("epoch_cap must be > 0")
	}
	if t.MinPlayers < 1 {
		return fmt.Errorf("min_players must be >= 1")
	}
	if t.MaxPlayers < t.MinPlayers {
		return fmt.Errorf("max_players must be >= min_players")
	}
	if t.StartPlayers < t.MinPlayers || t.StartPlayers > t.MaxPlayers {
		return fmt.Errorf("start_players must be within [min_players, max_players]")
	}
	if t.DecisionTimeoutMs <= 0 {
		return fmt.Errorf("decision_timeout_ms must be > 0")
	}
	if t.LobbyTimeoutMs < 0 {
		return fmt.Errorf("lobby_timeout_ms must be >= 0")
	}
	if t.ValueUpdateEvery <= 0 {
		return fmt.Errorf("value_update_every must be > 0")
	}
	if t.TakeThreshold <= 0 {
		return fmt.Errorf("take_threshold must be > 0")
	}
	if t.ExploreCost < 0 || t.BuildCost < 0 || t.Crate.ActionPointCost < 0 || t.Crate.OreCost < 0 {
		return fmt.Errorf("action costs must be >= 0")
	}
	for name, n := range t.StartingResources {
		if n < 0 {
			return fmt.Errorf("starting_resources.%s must be >= 0", name)
		}
	}
	return nil
}

func (t Tuning) DecisionTimeout() time.Duration {
	return time.Duration(t.DecisionTimeoutMs) * time.Millisecond
}

func (t Tuning) LobbyTimeout() time.Duration {
	return time.Duration(t.LobbyTimeoutMs) * time.Millisecond
}

func (t Tuning) RetainFinished() time.Duration {
	return time.Duration(t.Sessions.RetainFinishedMs) * time.Millisecond
}
