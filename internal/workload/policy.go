package workload

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"time"
)

// Unit names passed to a Policy. They match the span names of the units.
const (
	UnitDatabase  = "database_query"
	UnitExternal  = "external_api_call"
	UnitTransform = "data_transformation"
)

// Policy decides how long a simulated unit takes and whether it fails.
// Implementations must be safe for concurrent use.
type Policy interface {
	// Latency returns a duration in [min, max].
	Latency(unit string, min, max time.Duration) time.Duration
	// ShouldFail reports whether the unit fails, given its failure probability.
	ShouldFail(unit string, probability float64) bool
}

// RandomPolicy draws uniform latencies and Bernoulli failures from crypto/rand.
type RandomPolicy struct{}

func (RandomPolicy) Latency(_ string, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(cryptoRandIntn(int64(max-min)+1))
}

func (RandomPolicy) ShouldFail(_ string, probability float64) bool {
	switch {
	case probability <= 0:
		return false
	case probability >= 1:
		return true
	}
	return float64(cryptoRandFloat32()) < probability
}

// FixedPolicy is a deterministic Policy. Units listed in Fail always fail,
// every other unit always succeeds. Latency is the lower bound unless
// UseMax is set.
type FixedPolicy struct {
	Fail   map[string]bool
	UseMax bool
}

func (p FixedPolicy) Latency(_ string, min, max time.Duration) time.Duration {
	if p.UseMax && max > min {
		return max
	}
	return min
}

func (p FixedPolicy) ShouldFail(unit string, _ float64) bool {
	return p.Fail[unit]
}

// Sleeper blocks for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper. It returns ctx.Err() when the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NoSleep returns immediately. Used by tests that do not care about timing.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// cryptoRandIntn returns a cryptographically secure random int64 in [0, n)
func cryptoRandIntn(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		panic(err)
	}
	return r.Int64()
}

// cryptoRandFloat32 returns a cryptographically secure random float32 in [0.0, 1.0)
func cryptoRandFloat32() float32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return unitFloat32(binary.BigEndian.Uint32(b[:]))
}

// unitFloat32 maps u onto [0.0, 1.0) using its top 24 bits, which float32
// represents exactly.
func unitFloat32(u uint32) float32 {
	return float32(u>>8) / (1 << 24)
}
