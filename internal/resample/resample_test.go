package resample

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityAtEqualRates(t *testing.T) {
	r := New[int16](48000, 48000, 2)
	input := []int16{1, 2, 3, 4, 5, 6}
	out := r.Process(input)
	require.Equal(t, input, out)
}

func TestIdentityAtEqualRatesFloat(t *testing.T) {
	r := New[float32](44100, 44100, 1)
	input := []float32{0.1, 0.2, 0.3}
	out := r.Process(input)
	require.Equal(t, input, out)
}

func TestDownsampleProducesFewerFrames(t *testing.T) {
	r := New[int16](48000, 24000, 1)
	input := make([]int16, 100)
	for i := range input {
		input[i] = int16(i)
	}
	out := r.Process(input)
	require.Less(t, len(out), len(input))
}
