package workload

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitFloat32(t *testing.T) {
	assert.Equal(t, float32(0), unitFloat32(0))
	assert.Less(t, unitFloat32(math.MaxUint32), float32(1))
	assert.Less(t, unitFloat32(math.MaxUint32-1), float32(1))
	assert.InDelta(t, 0.5, unitFloat32(1<<31), 1e-7)
}
