package coordinator

import (
	"math/rand/v2"
	"sort"
	"time"
)

// Buzz is one team's first buzz, stamped with host receive time.
type Buzz struct {
	TeamID string
	At     time.Time
}

// ClashPolicy treats buzzes within Window of the first as simultaneous.
type ClashPolicy struct {
	Enabled bool
	Window  time.Duration
	// Bias scales how much a trailing team is favoured in a clash.
	Bias float64
}

type Outcome struct {
	Winner string
	// Clash lists the contenders when the winner was drawn; empty for a plain first-wins.
	Clash []string
	// Order is every buzzing team by receive time.
	Order []string
}

// Arbitrate picks the answering team. Without a clash the earliest buzz wins;
// with one, the winner is drawn with weight 1 + bias*(max-score)/spread.
func Arbitrate(buzzes []Buzz, policy ClashPolicy, scores map[string]int, rng *rand.Rand) Outcome {
	if len(buzzes) == 0 {
		return Outcome{}
	}
	sorted := make([]Buzz, len(buzzes))
	copy(sorted, buzzes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	seen := make(map[string]bool, len(sorted))
	uniq := sorted[:0]
	for _, b := range sorted {
		if seen[b.TeamID] {
			continue
		}
		seen[b.TeamID] = true
		uniq = append(uniq, b)
	}

	out := Outcome{Winner: uniq[0].TeamID}
	for _, b := range uniq {
		out.Order = append(out.Order, b.TeamID)
	}
	if !policy.Enabled || policy.Window <= 0 {
		return out
	}

	first := uniq[0].At
	var contenders []string
	for _, b := range uniq {
		if b.At.Sub(first) <= policy.Window {
			contenders = append(contenders, b.TeamID)
		}
	}
	if len(contenders) < 2 {
		return out
	}
	out.Clash = contenders
	out.Winner = draw(contenders, Weights(contenders, scores, policy.Bias), rng)
	return out
}

// Weights gives each team 1 + bias*(max-score)/spread; all 1 when scores are level.
func Weights(teams []string, scores map[string]int, bias float64) []float64 {
	w := make([]float64, len(teams))
	if len(teams) == 0 {
		return w
	}
	hi, lo := scores[teams[0]], scores[teams[0]]
	for _, t := range teams[1:] {
		hi = max(hi, scores[t])
		lo = min(lo, scores[t])
	}
	spread := float64(hi - lo)
	for i, t := range teams {
		w[i] = 1
		if spread > 0 && bias > 0 {
			w[i] += bias * float64(hi-scores[t]) / spread
		}
	}
	return w
}

func draw(teams []string, weights []float64, rng *rand.Rand) string {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	var r float64
	if rng != nil {
		r = rng.Float64() * total
	} else {
		r = rand.Float64() * total
	}
	for i, w := range weights {
		if r < w {
			return teams[i]
		}
		r -= w
	}
	return teams[len(teams)-1]
}
