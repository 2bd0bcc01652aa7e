package world

import (
	"fmt"
	"sort"
)

type CommitMode int

const (
	CommitStrict CommitMode = iota
	CommitLenient
)

func ParseCommitMode(s string) (CommitMode, error) {
	switch s {
	case "", "strict":
		return CommitStrict, nil
	case "lenient":
		return CommitLenient, nil
	default:
		return CommitStrict, fmt.Errorf("unknown commit mode %q", s)
	}
}

// StockFlow moves Qty of Resource from Source to Dest. An empty Source means
// the resource is produced; an empty Dest means it is consumed or exported.
type StockFlow struct {
	Source   string  `json:"source,omitempty"`
	Dest     string  `json:"dest,omitempty"`
	Resource string  `json:"resource"`
	Qty      float64 `json:"qty"`
}

type CommitOverdraftError struct {
	Sector   string
	Resource string
	Stock    float64
	Net      float64
}

func (e *CommitOverdraftError) Error() string {
	return fmt.Sprintf("commit overdraft: sector=%s resource=%s stock=%.3f net=%+.3f",
		e.Sector, e.Resource, e.Stock, e.Net)
}

// Ledger collects the flows of the current step and applies them as one batch
// at commit. Grouping by (sector, resource) makes the outcome independent of
// the order agents emitted their flows.
type Ledger struct {
	pending []StockFlow
	mode    CommitMode
}

func NewLedger(mode CommitMode) *Ledger {
	return &Ledger{mode: mode}
}

func (l *Ledger) SetMode(mode CommitMode) { l.mode = mode }
func (l *Ledger) Mode() CommitMode        { return l.mode }

func (l *Ledger) Record(f StockFlow) {
	if f.Qty <= 0 || f.Resource == "" {
		return
	}
	l.pending = append(l.pending, f)
}

// Transfer records a cross-sector movement as a single paired flow.
func (l *Ledger) Transfer(from, to, resource string, qty float64) {
	l.Record(StockFlow{Source: from, Dest: to, Resource: resource, Qty: qty})
}

func (l *Ledger) Produce(sector, resource string, qty float64) {
	l.Record(StockFlow{Dest: sector, Resource: resource, Qty: qty})
}

func (l *Ledger) Consume(sector, resource string, qty float64) {
	l.Record(StockFlow{Source: sector, Resource: resource, Qty: qty})
}

func (l *Ledger) PendingCount() int { return len(l.pending) }

type groupKey struct {
	sector   string
	resource string
}

// Commit nets the pending flows per (sector, resource) and applies them to
// stocks. Strict mode applies nothing if any group would go negative and
// returns the overdraft. Lenient mode drops only the offending groups and
// reports them.
func (l *Ledger) Commit(stocks map[string]map[string]float64) (dropped []CommitOverdraftError, err error) {
	const eps = 1e-9

	net := map[groupKey]float64{}
	for _, f := range l.pending {
		if f.Source != "" {
			net[groupKey{f.Source, f.Resource}] -= f.Qty
		}
		if f.Dest != "" {
			net[groupKey{f.Dest, f.Resource}] += f.Qty
		}
	}
	l.pending = nil

	keys := make([]groupKey, 0, len(net))
	for k := range net {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sector != keys[j].sector {
			return keys[i].sector < keys[j].sector
		}
		return keys[i].resource < keys[j].resource
	})

	var overdrafts []CommitOverdraftError
	for _, k := range keys {
		cur := stocks[k.sector][k.resource]
		if cur+net[k] < -eps {
			overdrafts = append(overdrafts, CommitOverdraftError{
				Sector: k.sector, Resource: k.resource, Stock: cur, Net: net[k],
			})
		}
	}

	if len(overdrafts) > 0 && l.mode == CommitStrict {
		first := overdrafts[0]
		return nil, &first
	}

	rejected := map[groupKey]bool{}
	for _, o := range overdrafts {
		rejected[groupKey{o.Sector, o.Resource}] = true
	}
	for _, k := range keys {
		if rejected[k] {
			continue
		}
		m := stocks[k.sector]
		if m == nil {
			m = map[string]float64{}
			stocks[k.sector] = m
		}
		v := m[k.resource] + net[k]
		if v < 0 {
			v = 0 // float dust only; real overdrafts were rejected above
		}
		m[k.resource] = v
	}
	return overdrafts, nil
}
