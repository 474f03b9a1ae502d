// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"encoding/binary"
	"testing"
)

func TestASInstance(t *testing.T) {
	in := ASInstance{
		Transform:    [12]float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		ID:           0x123456,
		Mask:         InstanceMaskAll,
		Contribution: 6,
		Flags:        IFlagForceOpaque,
		AS:           0x0001_0002_0003_0000,
	}
	var b [InstanceSize]byte
	in.Put(b[:])

	if x := binary.LittleEndian.Uint32(b[48:]); x != 0xff123456 {
		t.Fatalf("ASInstance.Put: ID/Mask\nhave %#x\nwant %#x", x, 0xff123456)
	}
	if x := binary.LittleEndian.Uint32(b[52:]); x != 0x04000006 {
		t.Fatalf("ASInstance.Put: Contribution/Flags\nhave %#x\nwant %#x", x, 0x04000006)
	}
	if x := binary.LittleEndian.Uint64(b[56:]); Addr(x) != in.AS {
		t.Fatalf("ASInstance.Put: AS\nhave %#x\nwant %#x", x, in.AS)
	}

	var out ASInstance
	out.Get(b[:])
	if out != in {
		t.Fatalf("ASInstance.Get\nhave %+v\nwant %+v", out, in)
	}

	// IDs wider than 24 bits are truncated.
	in.ID = 1<<24 | 5
	in.Put(b[:])
	out.Get(b[:])
	if out.ID != 5 || out.Mask != InstanceMaskAll {
		t.Fatalf("ASInstance.Put: truncation\nhave %d/%#x\nwant 5/0xff", out.ID, out.Mask)
	}
}

func TestArgSize(t *testing.T) {
	cases := [...]struct {
		desc RootSigDesc
		want int64
	}{
		{RootSigDesc{Local: true}, 0},
		{RootSigDesc{Local: true, Params: []RootParam{{Type: RPTable}}}, 8},
		{RootSigDesc{Local: true, Params: []RootParam{{Type: RPConstBuf}, {Type: RPConstBuf, Register: 1}}}, 16},
		{RootSigDesc{Local: true, Params: []RootParam{{Type: RPConstants, Count: 1}, {Type: RPConstBuf}}}, 16},
		{RootSigDesc{Local: true, Params: []RootParam{{Type: RPConstants, Count: 3}}}, 12},
		{RootSigDesc{Local: true, Params: []RootParam{{Type: RPConstBuf}, {Type: RPConstants, Count: 2}}}, 16},
	}
	for i, c := range cases {
		if n := c.desc.ArgSize(); n != c.want {
			t.Errorf("RootSigDesc.ArgSize [%d]\nhave %d\nwant %d", i, n, c.want)
		}
	}
}
