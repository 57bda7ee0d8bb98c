package session

import (
	"math"
	"sort"
)

type Score struct {
	Player string  `json:"player"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// computeScores ranks the remaining players: holdings at current value, plus
// a flat weight per building, plus the weighted bank balance.
func (s *Session) computeScores() []Score {
	w := s.cfg.Tuning.Scoring
	out := make([]Score, 0, len(s.st.Order))
	for _, id := range s.st.Order {
		p := s.st.Players[id]
		total := 0.0
		for res, n := range p.Resources {
			total += float64(n * s.st.Values[res])
		}
		total += w.BuildingWeight * float64(len(p.Buildings))
		total += w.BankWeight * float64(p.Bank)
		out = append(out, Score{Player: id, Score: math.Round(total*100) / 100})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
