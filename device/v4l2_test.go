package device

import "testing"

func TestFourCCRoundTrip(t *testing.T) {
	cases := [][4]byte{
		{'Y', 'U', 'Y', 'V'},
		{'R', 'G', 'B', '3'},
		{'M', 'J', 'P', 'G'},
	}
	for _, c := range cases {
		got := uint32ToFourCC(fourCCToUint32(c))
		if got != c {
			t.Errorf("round trip of %q = %q", c, got)
		}
	}
}
