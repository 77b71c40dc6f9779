package aarch64

import "testing"

func TestPSTATERoundTrip(t *testing.T) {
	states := []CPU{
		{EL: 0},
		{EL: 0, NZCV: PSRN | PSRC},
		{EL: 0, A32: true, DAIF: PSRI | PSRF},
		{EL: 1, SPSel: false, DAIF: PSRI},
		{EL: 1, SPSel: true, DAIF: DAIFAll, NZCV: PSRZ},
	}

	for i, want := range states {
		packed := want.PSTATE()

		var got CPU
		got.SetPSTATE(packed)

		if got.EL != want.EL || got.SPSel != want.SPSel || got.A32 != want.A32 {
			t.Errorf("state %d: mode fields differ: got EL=%d SPSel=%v A32=%v", i, got.EL, got.SPSel, got.A32)
		}
		if got.DAIF != want.DAIF {
			t.Errorf("state %d: DAIF 0x%x, want 0x%x", i, got.DAIF, want.DAIF)
		}
		if got.NZCV != want.NZCV {
			t.Errorf("state %d: NZCV 0x%x, want 0x%x", i, got.NZCV, want.NZCV)
		}
		if got.PSTATE() != packed {
			t.Errorf("state %d: repack 0x%x, want 0x%x", i, got.PSTATE(), packed)
		}
	}
}

func TestPSTATEModeBits(t *testing.T) {
	cases := []struct {
		el    uint8
		spsel bool
		a32   bool
		mode  uint64
	}{
		{0, false, false, PSRModeEL0t},
		{1, false, false, PSRModeEL1t},
		{1, true, false, PSRModeEL1h},
		{0, false, true, PSRMode32},
	}

	for _, tc := range cases {
		c := CPU{EL: tc.el, SPSel: tc.spsel, A32: tc.a32}
		if got := c.PSTATE() & (PSRModeMask | PSRMode32); got != tc.mode {
			t.Errorf("EL%d SPSel=%v A32=%v: mode bits 0x%x, want 0x%x", tc.el, tc.spsel, tc.a32, got, tc.mode)
		}
	}
}

func TestOrigin(t *testing.T) {
	cases := []struct {
		el    uint8
		spsel bool
		a32   bool
		want  Origin
	}{
		{1, false, false, OriginEL1SP0},
		{1, true, false, OriginEL1SPx},
		{0, false, false, OriginEL0A64},
		{0, false, true, OriginEL0A32},
	}

	for _, tc := range cases {
		c := CPU{EL: tc.el, SPSel: tc.spsel, A32: tc.a32}
		if got := c.Origin(); got != tc.want {
			t.Errorf("EL%d SPSel=%v A32=%v: origin %v, want %v", tc.el, tc.spsel, tc.a32, got, tc.want)
		}
	}
}

func TestSPBanking(t *testing.T) {
	c := NewCPU()

	// Reset state is EL1h.
	c.SetSP(0x1000)
	if c.SPEL1 != 0x1000 {
		t.Fatalf("EL1h SetSP wrote SPEL1=0x%x", c.SPEL1)
	}

	c.SPSel = false
	c.SetSP(0x2000)
	if c.SPEL0 != 0x2000 || c.SPEL1 != 0x1000 {
		t.Fatalf("EL1t SetSP: SPEL0=0x%x SPEL1=0x%x", c.SPEL0, c.SPEL1)
	}

	c.EL = 0
	if c.SP() != 0x2000 {
		t.Fatalf("EL0 SP()=0x%x, want SPEL0", c.SP())
	}

	c.EL, c.SPSel = 1, true
	if c.SP() != 0x1000 {
		t.Fatalf("EL1h SP()=0x%x, want SPEL1", c.SP())
	}
}

func TestResetState(t *testing.T) {
	c := NewCPU()
	if c.EL != 1 || !c.SPSel {
		t.Fatalf("reset mode: EL=%d SPSel=%v", c.EL, c.SPSel)
	}
	if c.DAIF != DAIFAll {
		t.Fatalf("reset DAIF=0x%x, want everything masked", c.DAIF)
	}
	if c.SCTLR&SCTLRM != 0 {
		t.Fatalf("reset has translation enabled")
	}
}
