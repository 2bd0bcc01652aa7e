package world

// drrScheduler is a priority-as-token deficit round robin. Each step every
// available task banks its priority; the fullest bank wins the turn and pays
// the sum of candidate priorities, so long-run turn shares converge to
// p_i / sum(p_j) without normalizing priorities. Ties go to the task closest
// after the rotating pointer.
type drrScheduler struct {
	Order []string           `json:"order"`
	Ptr   int                `json:"ptr"`
	Banks map[string]float64 `json:"banks"`
}

func newDRRScheduler() *drrScheduler {
	return &drrScheduler{Banks: map[string]float64{}}
}

func (s *drrScheduler) AddTask(id string) {
	for _, t := range s.Order {
		if t == id {
			return
		}
	}
	s.Order = append(s.Order, id)
	s.Banks[id] = 0
}

// Pick tops up banks and selects a winner. spend is what the winner owes if
// it actually does work; settle via Commit.
func (s *drrScheduler) Pick(prio map[string]float64, avail map[string]bool, quantum float64) (winner string, spend float64, ok bool) {
	n := len(s.Order)
	if n == 0 {
		return "", 0, false
	}
	for _, id := range s.Order {
		if avail[id] && prio[id] > 0 {
			s.Banks[id] += prio[id]
		} else {
			s.Banks[id] = 0
		}
	}
	sum := 0.0
	best := ""
	bestBank := 0.0
	for i := 0; i < n; i++ {
		id := s.Order[(s.Ptr+i)%n]
		if !avail[id] || s.Banks[id] <= 0 {
			continue
		}
		sum += prio[id]
		if s.Banks[id] > bestBank {
			best = id
			bestBank = s.Banks[id]
		}
	}
	if best == "" {
		return "", 0, false
	}
	if quantum <= 0 {
		quantum = 1
	}
	return best, quantum * sum, true
}

// Commit settles a taken turn: the winner pays and the pointer rotates past it.
func (s *drrScheduler) Commit(winner string, spend float64) {
	b := s.Banks[winner] - spend
	if b < 0 {
		b = 0
	}
	s.Banks[winner] = b
	for i, id := range s.Order {
		if id == winner {
			s.Ptr = (i + 1) % len(s.Order)
			return
		}
	}
}
