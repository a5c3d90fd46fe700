package cryptocore

import (
	"bytes"
	"encoding/hex"
	"testing"
)

type hkdfTestCase struct {
	masterkey []byte
	info      string
	out       []byte
}

// TestHkdfDerive verifies that we get the expected values from hkdfDerive. They
// must not change because this would change the on-disk format.
func TestHkdfDerive(t *testing.T) {
	master0 := bytes.Repeat([]byte{0x00}, 32)
	out1, _ := hex.DecodeString("9ba3cddd48c6339c6e56ebe85f0281d6e9051be4104176e65cb0f8a6f77ae6b4")
	out2, _ := hex.DecodeString("f1c03cbb706bd256cbd4af389944872d58d45b54dc1685de8e062da8c629ffcd")
	out3, _ := hex.DecodeString("20c1578e449ccc974229543009cd83d373e93f8e9c88a69782b1cccee21cdf8d")
	out4, _ := hex.DecodeString("f86eb2bc58030ab65edf21c991e5f70fc3b4bec79616bfdc75092ce8902fe693")

	testCases := []hkdfTestCase{
		// Known-good value for an all-zero master key
		{master0, "EME filename encryption", out1},
		{master0, hkdfInfoCTRContent, out2},
		{[]byte("k1"), hkdfInfoCTRContent, out3},
		{[]byte("hunter2"), hkdfInfoCTRContent, out4},
	}

	for i, v := range testCases {
		out := hkdfDerive(v.masterkey, v.info, 32)
		if !bytes.Equal(out, v.out) {
			want := hex.EncodeToString(v.out)
			have := hex.EncodeToString(out)
			t.Errorf("testcase %d error:\n"+
				"want=%s\n"+
				"have=%s", i, want, have)
		}
	}
}
