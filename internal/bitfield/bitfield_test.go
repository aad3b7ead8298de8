package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type frameOwnerFlags struct {
	Swappable bool   `bitfield:",1"`
	Mmaped    bool   `bitfield:",1"`
	Reserved  uint32 `bitfield:",30"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	in := frameOwnerFlags{Swappable: true, Mmaped: false, Reserved: 0x2A}
	packed, err := Pack(in, &Config{NumBits: 32})
	require.NoError(t, err)

	var out frameOwnerFlags
	require.NoError(t, Unpack(packed, &out))
	require.Equal(t, in, out)
}

func TestPackRejectsOverflow(t *testing.T) {
	type tooNarrow struct {
		X uint32 `bitfield:",2"`
	}
	_, err := Pack(tooNarrow{X: 7}, nil)
	require.Error(t, err)
}

func TestPackRejectsTooWide(t *testing.T) {
	type wide struct {
		A uint32 `bitfield:",20"`
		B uint32 `bitfield:",20"`
	}
	_, err := Pack(wide{}, &Config{NumBits: 32})
	require.Error(t, err)
}
