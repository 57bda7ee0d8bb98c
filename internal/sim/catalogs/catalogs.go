package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

type Catalogs struct {
	Resources ResourceCatalog
	Buildings BuildingCatalog
	Events    EventCatalog
	Crate     CrateCatalog
}

type ResourceCatalog struct {
	// Order is the sorted list of resource ids.
	Order  []string
	ByID   map[string]ResourceDef
	Digest string
}

type ResourceDef struct {
	ID        string `json:"id"`
	Value     int    `json:"value"`
	DeckCount int    `json:"deck_count"`
	Mineable  bool   `json:"mineable,omitempty"`
}

type BuildingCatalog struct {
	Order  []string
	ByID   map[string]BuildingDef
	Digest string
}

type BuildingDef struct {
	ID     string    `json:"id"`
	Recipe Recipe    `json:"recipe"`
	Yield  *YieldDef `json:"yield,omitempty"`
	Mine   *MineDef  `json:"mine,omitempty"`
	Role   string    `json:"role,omitempty"` // "bank", "cannon", "pickaxe"
}

// Recipe splits building prerequisites (consumed, count-checked) from the
// resource part, which is valued at current prices and paid by equivalence.
type Recipe struct {
	Buildings map[string]int `json:"buildings,omitempty"`
	Resources map[string]int `json:"resources,omitempty"`
}

type YieldDef struct {
	ActionPoints  int    `json:"action_points,omitempty"`
	MarksExchange bool   `json:"marks_exchange,omitempty"`
	Resource      string `json:"resource,omitempty"`
	Amount        int    `json:"amount,omitempty"`
	Source        string `json:"source,omitempty"` // "market" or "deck"
}

type MineDef struct {
	Cap          int  `json:"cap"`
	Consumed     bool `json:"consumed,omitempty"`
	OncePerPhase bool `json:"once_per_phase,omitempty"`
}

// Building roles.
const (
	RoleBank    = "bank"
	RoleCannon  = "cannon"
	RolePickaxe = "pickaxe"
)

// Yield sources.
const (
	SourceMarket = "market"
	SourceDeck   = "deck"
)

type EventCatalog struct {
	Epochs         []int               `json:"epochs"`
	ImmunityEpochs []int               `json:"immunity_epochs"`
	Deck           []EventDef          `json:"deck"`
	ByID           map[string]EventDef `json:"-"`
	Digest         string              `json:"-"`
}

type EventDef struct {
	ID               string `json:"id"`
	Count            int    `json:"count"`
	Effect           string `json:"effect"`
	Resource         string `json:"resource,omitempty"`
	Amount           int    `json:"amount,omitempty"`
	Multiplier       int    `json:"multiplier,omitempty"`
	Shield           string `json:"shield,omitempty"`
	StruckByImmunity bool   `json:"struck_by_immunity,omitempty"`
}

// Event effects.
const (
	EffectHalveMarket  = "halve_market"
	EffectToll         = "toll"
	EffectLevy         = "levy"
	EffectNone         = "none"
	EffectActionPoints = "action_points"
)

type CrateCatalog struct {
	Outcomes []CrateOutcome
	Total    int
	Digest   string
}

// CrateOutcome with an empty Award yields nothing.
type CrateOutcome struct {
	Award  string `json:"award"`
	Weight int    `json:"weight"`
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs

	if err := loadResources(filepath.Join(configDir, "resources.json"), &c.Resources); err != nil {
		return nil, err
	}
	if err := loadBuildings(filepath.Join(configDir, "buildings.json"), &c.Buildings); err != nil {
		return nil, err
	}
	if err := loadEvents(filepath.Join(configDir, "events.json"), &c.Events); err != nil {
		return nil, err
	}
	if err := loadCrate(filepath.Join(configDir, "crate.json"), &c.Crate); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadResources(path string, out *ResourceCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []ResourceDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("resources.json: %w", err)
	}
	out.ByID = map[string]ResourceDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("resources.json: empty id")
		}
		if d.Value < 1 {
			return fmt.Errorf("resources.json: %s value must be >= 1", d.ID)
		}
		if d.DeckCount < 0 {
			return fmt.Errorf("resources.json: %s deck_count must be >= 0", d.ID)
		}
		out.ByID[d.ID] = d
	}
	out.Order = sortedKeys(out.ByID)
	return nil
}

func loadBuildings(path string, out *BuildingCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var defs []BuildingDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("buildings.json: %w", err)
	}
	out.ByID = map[string]BuildingDef{}
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("buildings.json: empty id")
		}
		if d.Mine != nil && d.Mine.Cap <= 0 {
			return fmt.Errorf("buildings.json: %s mine cap must be > 0", d.ID)
		}
		out.ByID[d.ID] = d
	}
	out.Order = sortedKeys(out.ByID)
	return nil
}

func loadEvents(path string, out *EventCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("events.json: %w", err)
	}
	out.ByID = map[string]EventDef{}
	for _, ev := range out.Deck {
		if ev.ID == "" {
			return fmt.Errorf("events.json: empty id")
		}
		if ev.Count <= 0 {
			return fmt.Errorf("events.json: %s count must be > 0", ev.ID)
		}
		switch ev.Effect {
		case EffectHalveMarket, EffectToll, EffectLevy, EffectNone, EffectActionPoints:
		default:
			return fmt.Errorf("events.json: %s unknown effect %q", ev.ID, ev.Effect)
		}
		out.ByID[ev.ID] = ev
	}
	return nil
}

func loadCrate(path string, out *CrateCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)
	if err := json.Unmarshal(raw, &out.Outcomes); err != nil {
		return fmt.Errorf("crate.json: %w", err)
	}
	out.Total = 0
	for _, o := range out.Outcomes {
		if o.Weight <= 0 {
			return fmt.Errorf("crate.json: weight must be > 0")
		}
		out.Total += o.Weight
	}
	if out.Total == 0 {
		return fmt.Errorf("crate.json: no outcomes")
	}
	return nil
}

// validate checks cross references between catalogs.
func (c *Catalogs) validate() error {
	for _, id := range c.Buildings.Order {
		b := c.Buildings.ByID[id]
		for name := range b.Recipe.Buildings {
			if _, ok := c.Buildings.ByID[name]; !ok {
				return fmt.Errorf("buildings.json: %s requires unknown building %s", id, name)
			}
		}
		for name := range b.Recipe.Resources {
			if _, ok := c.Resources.ByID[name]; !ok {
				return fmt.Errorf("buildings.json: %s requires unknown resource %s", id, name)
			}
		}
		if b.Yield != nil && b.Yield.Resource != "" {
			if _, ok := c.Resources.ByID[b.Yield.Resource]; !ok {
				return fmt.Errorf("buildings.json: %s yields unknown resource %s", id, b.Yield.Resource)
			}
		}
	}
	for _, ev := range c.Events.Deck {
		if ev.Resource != "" {
			if _, ok := c.Resources.ByID[ev.Resource]; !ok {
				return fmt.Errorf("events.json: %s references unknown resource %s", ev.ID, ev.Resource)
			}
		}
		if ev.Shield != "" {
			if _, ok := c.Buildings.ByID[ev.Shield]; !ok {
				return fmt.Errorf("events.json: %s shield %s is not a building", ev.ID, ev.Shield)
			}
		}
	}
	for _, o := range c.Crate.Outcomes {
		if o.Award == "" {
			continue
		}
		if _, ok := c.Resources.ByID[o.Award]; !ok {
			return fmt.Errorf("crate.json: unknown award %s", o.Award)
		}
	}
	return nil
}

// StartingValues returns a fresh copy of the resource value table.
func (c *Catalogs) StartingValues() map[string]int {
	out := make(map[string]int, len(c.Resources.ByID))
	for id, d := range c.Resources.ByID {
		out[id] = d.Value
	}
	return out
}

// DeckCounts returns the per-resource starting counts of the draw deck.
func (c *Catalogs) DeckCounts() map[string]int {
	out := make(map[string]int, len(c.Resources.ByID))
	for id, d := range c.Resources.ByID {
		out[id] = d.DeckCount
	}
	return out
}

func (c *Catalogs) IsResource(id string) bool {
	_, ok := c.Resources.ByID[id]
	return ok
}

func (c *Catalogs) IsBuilding(id string) bool {
	_, ok := c.Buildings.ByID[id]
	return ok
}

// Digest combines the per-file digests.
func (c *Catalogs) Digest() string {
	return sha256Hex([]byte(c.Resources.Digest + c.Buildings.Digest + c.Events.Digest + c.Crate.Digest))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
