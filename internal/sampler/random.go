// Package sampler selects reproducible stratified samples from paginated search results.
package sampler

// Mulberry32 is a 32-bit seedable generator: a Weyl sequence with
// increment 0x6D2B79F5 fed through an xorshift-multiply mixer.
// The exact sequence is part of the cohort's reproducibility contract.
type Mulberry32 struct {
	state uint32
}

// NewMulberry32 seeds a generator
func NewMulberry32(seed uint32) *Mulberry32 {
	return &Mulberry32{state: seed}
}

// Uint32 returns the next 32-bit output
func (m *Mulberry32) Uint32() uint32 {
	m.state += 0x6D2B79F5
	t := m.state
	t = (t ^ t>>15) * (t | 1)
	t ^= t + (t^t>>7)*(t|61)
	return t ^ t>>14
}

// Float64 returns the next value in [0, 1)
func (m *Mulberry32) Float64() float64 {
	return float64(m.Uint32()) / 4294967296
}

// Shuffle permutes items in place with a Fisher-Yates pass driven by rng
func Shuffle[T any](items []T, rng *Mulberry32) {
	for i := len(items) - 1; i > 0; i-- {
		j := int(rng.Float64() * float64(i+1))
		items[i], items[j] = items[j], items[i]
	}
}

// BandSeed derives a band's seed from the base seed and its thresholds.
// Arithmetic wraps modulo 2^32.
func BandSeed(base uint32, min int, max *int) uint32 {
	var hi uint32
	if max != nil {
		hi = uint32(*max)
	}
	return base + uint32(min)*31 + hi*17
}
