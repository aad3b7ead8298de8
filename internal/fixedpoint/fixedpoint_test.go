package fixedpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for n := int32(-(1 << 16)); n < (1 << 16); n += 997 {
		require.Equal(t, n, FromInt(n).Floor())
	}
}

func TestRoundAndFloor(t *testing.T) {
	seven := FromInt(7)
	half := FromInt(1) / 2

	require.Equal(t, int32(8), Add(seven, half).Round())
	require.Equal(t, int32(7), Add(seven, half).Floor())
}

func TestMul(t *testing.T) {
	half := FromInt(1) / 2
	quarter := FromInt(1) / 4

	require.Equal(t, quarter, Mul(half, half))
}

func TestDiv(t *testing.T) {
	one := FromInt(1)
	two := FromInt(2)
	half := FromInt(1) / 2

	require.Equal(t, half, Div(one, two))
}

func TestNegativeRound(t *testing.T) {
	negSeven := FromInt(-7)
	half := FromInt(1) / 2

	require.Equal(t, int32(-8), Sub(negSeven, half).Round())
}
