package reliable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconstructSequenceConcreteVectors(t *testing.T) {
	assert.Equal(t, uint64(1), reconstructSequence(1, 0, 8))
	assert.Equal(t, uint64(0x10001), reconstructSequence(1, 0xFFFF, 8))
	assert.Equal(t, uint64(0xFFFFFFFC), reconstructSequence(0xFFFC, 0xFFFFFFFF, 8))
}

func TestReconstructSequenceStableAtSamePosition(t *testing.T) {
	cur := uint64(1000)
	assert.Equal(t, cur, reconstructSequence(uint16(cur), cur, 400))
}

func TestReconstructSequenceWithinWindowForward(t *testing.T) {
	cur := uint64(70000)
	target := cur + 50
	assert.Equal(t, target, reconstructSequence(uint16(target), cur, 400))
}
