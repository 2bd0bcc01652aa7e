package world

import "math"

// Rand is the kernel PRNG. It is reseeded from (run seed, step) at every step
// boundary so a replay consumes an identical draw sequence regardless of how
// the previous step ended.
type Rand struct {
	s uint64
}

func NewRand(runSeed int64, t uint64) *Rand {
	r := &Rand{}
	r.Reseed(runSeed, t)
	return r
}

func (r *Rand) Reseed(runSeed int64, t uint64) {
	x := uint64(runSeed) ^ (t * 0x9e3779b97f4a7c15)
	// one warm-up round so low-entropy seeds diverge
	r.s = splitmix64(&x)
}

func splitmix64(x *uint64) uint64 {
	*x += 0x9e3779b97f4a7c15
	z := *x
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (r *Rand) next() uint64 { return splitmix64(&r.s) }

// Float64 returns a draw in [0, 1).
func (r *Rand) Float64() float64 {
	return float64(r.next()>>11) / (1 << 53)
}

func (r *Rand) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return int(r.next() % uint64(n))
}

// Triangular draws from a triangular distribution over [min, max] with the
// given mode.
func (r *Rand) Triangular(min, mode, max float64) float64 {
	if max <= min {
		return min
	}
	u := r.Float64()
	c := (mode - min) / (max - min)
	if u < c {
		return min + math.Sqrt(u*(max-min)*(mode-min))
	}
	return max - math.Sqrt((1-u)*(max-min)*(max-mode))
}
