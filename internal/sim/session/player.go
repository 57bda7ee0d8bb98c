package session

import "sort"

// Player is one seat at the table. Only the session loop mutates it.
type Player struct {
	ID           string
	Resources    map[string]int
	ActionPoints int
	Buildings    []string
	Bank         int
}

func newPlayer(id string, resourceIDs []string) *Player {
	p := &Player{ID: id, Resources: make(map[string]int, len(resourceIDs))}
	for _, r := range resourceIDs {
		p.Resources[r] = 0
	}
	return p
}

func (p *Player) CountBuilding(id string) int {
	n := 0
	for _, b := range p.Buildings {
		if b == id {
			n++
		}
	}
	return n
}

// RemoveBuilding removes the first n copies of id. Nothing is removed unless
// all n are present.
func (p *Player) RemoveBuilding(id string, n int) bool {
	if n <= 0 {
		return true
	}
	if p.CountBuilding(id) < n {
		return false
	}
	out := p.Buildings[:0]
	for _, b := range p.Buildings {
		if b == id && n > 0 {
			n--
			continue
		}
		out = append(out, b)
	}
	p.Buildings = out
	return true
}

// Holdings returns a copy of the resource counts.
func (p *Player) Holdings() map[string]int {
	out := make(map[string]int, len(p.Resources))
	for k, v := range p.Resources {
		out[k] = v
	}
	return out
}

// pay deducts a solver combination and returns the spent cards one per unit,
// ordered by resource name.
func (p *Player) pay(combo map[string]int) []string {
	names := make([]string, 0, len(combo))
	for name := range combo {
		names = append(names, name)
	}
	sort.Strings(names)

	var cards []string
	for _, name := range names {
		n := combo[name]
		p.Resources[name] -= n
		for i := 0; i < n; i++ {
			cards = append(cards, name)
		}
	}
	return cards
}

// PlayerView is the read-only projection served to clients.
type PlayerView struct {
	ID           string         `json:"id"`
	ActionPoints int            `json:"action_points"`
	Resources    map[string]int `json:"resources"`
	Buildings    []string       `json:"buildings"`
	Bank         int            `json:"bank"`
}

func (p *Player) view() PlayerView {
	return PlayerView{
		ID:           p.ID,
		ActionPoints: p.ActionPoints,
		Resources:    p.Holdings(),
		Buildings:    append([]string{}, p.Buildings...),
		Bank:         p.Bank,
	}
}

func repeat(card string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = card
	}
	return out
}
