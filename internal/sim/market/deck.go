package market

import (
	"math/rand/v2"
	"sort"
)

// Deck is the bag of undrawn resource cards plus the cards returned to it
// since the last shuffle. Returned cards only reach the draw pile when the
// pile runs dry.
type Deck struct {
	rng    *rand.Rand
	counts map[string]int

	pile     []string
	returned []string

	reshuffles int
}

func NewDeck(counts map[string]int, rng *rand.Rand) *Deck {
	c := make(map[string]int, len(counts))
	for k, v := range counts {
		c[k] = v
	}
	return &Deck{rng: rng, counts: c}
}

// Shuffle rebuilds the draw pile from the starting counts and permutes it.
// Returned cards are discarded.
func (d *Deck) Shuffle() {
	names := make([]string, 0, len(d.counts))
	for name := range d.counts {
		names = append(names, name)
	}
	sort.Strings(names)

	d.pile = d.pile[:0]
	for _, name := range names {
		for i := 0; i < d.counts[name]; i++ {
			d.pile = append(d.pile, name)
		}
	}
	d.returned = nil
	d.permute(d.pile)
}

// Draw pops up to n cards. When the pile empties mid-draw the returned cards
// are shuffled into it once and drawing continues; if that is still not
// enough fewer than n cards come back.
func (d *Deck) Draw(n int) []string {
	out := make([]string, 0, n)
	for len(out) < n {
		if len(d.pile) == 0 {
			if len(d.returned) == 0 {
				break
			}
			d.reshuffle()
		}
		last := len(d.pile) - 1
		out = append(out, d.pile[last])
		d.pile = d.pile[:last]
	}
	return out
}

// Return puts cards back into circulation.
func (d *Deck) Return(cards ...string) {
	d.returned = append(d.returned, cards...)
}

// Remove takes one copy of card out of circulation, preferring the draw pile.
func (d *Deck) Remove(card string) bool {
	if i := indexOf(d.pile, card); i >= 0 {
		d.pile = append(d.pile[:i], d.pile[i+1:]...)
		return true
	}
	if i := indexOf(d.returned, card); i >= 0 {
		d.returned = append(d.returned[:i], d.returned[i+1:]...)
		return true
	}
	return false
}

// Count reports copies of card in the pile and the returned cards.
func (d *Deck) Count(card string) int {
	n := 0
	for _, c := range d.pile {
		if c == card {
			n++
		}
	}
	for _, c := range d.returned {
		if c == card {
			n++
		}
	}
	return n
}

// Len is the number of cards still drawable, reshuffles included.
func (d *Deck) Len() int { return len(d.pile) + len(d.returned) }

func (d *Deck) PileLen() int     { return len(d.pile) }
func (d *Deck) ReturnedLen() int { return len(d.returned) }
func (d *Deck) Reshuffles() int  { return d.reshuffles }

func (d *Deck) reshuffle() {
	d.pile = append(d.pile, d.returned...)
	d.returned = nil
	d.permute(d.pile)
	d.reshuffles++
}

func (d *Deck) permute(cards []string) {
	d.rng.Shuffle(len(cards), func(i, j int) { cards[i], cards[j] = cards[j], cards[i] })
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
