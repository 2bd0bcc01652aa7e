package model

// PowerGenerator generates to need up to its derated capacity.
type PowerGenerator struct {
	ID           string  `json:"id"`
	CapacityKWh  float64 `json:"capacity_kwh"`
	Efficiency   float64 `json:"efficiency"`
	Availability float64 `json:"availability"`
	Health       Health  `json:"health"`
}

func (g *PowerGenerator) MaxOutput() float64 {
	return g.CapacityKWh * g.Efficiency * g.Availability
}

// Generate produces up to needKWh, capped by derated capacity.
func (g *PowerGenerator) Generate(needKWh float64) float64 {
	max := g.MaxOutput()
	if needKWh < 0 {
		needKWh = 0
	}
	if needKWh > max {
		return max
	}
	return needKWh
}

// PowerStorage is a grid battery with asymmetric charge/discharge losses and
// an operational band it will not leave.
type PowerStorage struct {
	ID            string  `json:"id"`
	CapacityKWh   float64 `json:"capacity_kwh"`
	LevelKWh      float64 `json:"level_kwh"`
	ChargeEff     float64 `json:"charge_eff"`
	DischargeEff  float64 `json:"discharge_eff"`
	MinLevelFrac  float64 `json:"min_level_frac"`
	MaxLevelFrac  float64 `json:"max_level_frac"`
	Health        Health  `json:"health"`
}

func (s *PowerStorage) maxLevel() float64 {
	f := s.MaxLevelFrac
	if f <= 0 || f > 1 {
		f = 1
	}
	return s.CapacityKWh * f
}

func (s *PowerStorage) minLevel() float64 {
	if s.MinLevelFrac <= 0 {
		return 0
	}
	return s.CapacityKWh * s.MinLevelFrac
}

// Charge absorbs surplus grid energy; returns the grid energy consumed.
func (s *PowerStorage) Charge(surplusKWh float64) float64 {
	if surplusKWh <= 0 || s.ChargeEff <= 0 {
		return 0
	}
	room := (s.maxLevel() - s.LevelKWh) / s.ChargeEff
	if room <= 0 {
		return 0
	}
	take := surplusKWh
	if take > room {
		take = room
	}
	s.LevelKWh += take * s.ChargeEff
	return take
}

// Discharge covers a shortfall; returns the grid energy delivered.
func (s *PowerStorage) Discharge(shortfallKWh float64) float64 {
	if shortfallKWh <= 0 || s.DischargeEff <= 0 {
		return 0
	}
	avail := (s.LevelKWh - s.minLevel()) * s.DischargeEff
	if avail <= 0 {
		return 0
	}
	give := shortfallKWh
	if give > avail {
		give = avail
	}
	s.LevelKWh -= give / s.DischargeEff
	return give
}
