package market

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrIndexOutOfRange = errors.New("market index out of range")
	ErrDuplicateIndex  = errors.New("duplicate market index")
)

// Market is the face-up, index-addressable card row.
type Market struct {
	items []string
}

func New(items ...string) *Market {
	return &Market{items: append([]string(nil), items...)}
}

func (m *Market) Len() int { return len(m.items) }

// Items returns a copy.
func (m *Market) Items() []string { return append([]string(nil), m.items...) }

func (m *Market) At(i int) (string, error) {
	if i < 0 || i >= len(m.items) {
		return "", fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, i, len(m.items))
	}
	return m.items[i], nil
}

func (m *Market) Add(cards ...string) {
	m.items = append(m.items, cards...)
}

// Take removes and returns the card at index.
func (m *Market) Take(index int) (string, error) {
	card, err := m.At(index)
	if err != nil {
		return "", err
	}
	m.items = append(m.items[:index], m.items[index+1:]...)
	return card, nil
}

// ValidateIndices checks that every index is in range and distinct.
func (m *Market) ValidateIndices(idx []int) error {
	seen := make(map[int]struct{}, len(idx))
	for _, i := range idx {
		if i < 0 || i >= len(m.items) {
			return fmt.Errorf("%w: %d (len %d)", ErrIndexOutOfRange, i, len(m.items))
		}
		if _, dup := seen[i]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, i)
		}
		seen[i] = struct{}{}
	}
	return nil
}

// TakeIndices removes a batch of cards addressed against the current row.
// Removal runs from the highest index down so no index shifts under a later
// one; the cards come back in the order the indices were given.
func (m *Market) TakeIndices(idx []int) ([]string, error) {
	if err := m.ValidateIndices(idx); err != nil {
		return nil, err
	}
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = m.items[i]
	}
	desc := append([]int(nil), idx...)
	sort.Sort(sort.Reverse(sort.IntSlice(desc)))
	for _, i := range desc {
		m.items = append(m.items[:i], m.items[i+1:]...)
	}
	return out, nil
}

// RemoveFirst removes the first copy of card.
func (m *Market) RemoveFirst(card string) bool {
	if i := indexOf(m.items, card); i >= 0 {
		m.items = append(m.items[:i], m.items[i+1:]...)
		return true
	}
	return false
}

// Truncate keeps the first n cards and returns the rest.
func (m *Market) Truncate(n int) []string {
	if n < 0 {
		n = 0
	}
	if n >= len(m.items) {
		return nil
	}
	rest := append([]string(nil), m.items[n:]...)
	m.items = m.items[:n]
	return rest
}

// Clear empties the row and returns what was on it.
func (m *Market) Clear() []string {
	out := m.items
	m.items = nil
	return out
}

// Distinct is the number of different card types on the row.
func (m *Market) Distinct() int {
	seen := map[string]struct{}{}
	for _, c := range m.items {
		seen[c] = struct{}{}
	}
	return len(seen)
}
