package arm_test

import (
	"context"
	"testing"

	"github.com/opendap-project/godap/pkg/arm"
	"github.com/opendap-project/godap/pkg/dap"
	"github.com/opendap-project/godap/pkg/idcode"
	"github.com/opendap-project/godap/pkg/probe/sim"
)

func TestDebugPortSetupAndStart(t *testing.T) {
	s := sim.New(sim.DefaultConfig())
	port := dap.NewPort(s)
	iface := arm.NewArmDebugInterface(port)

	ctx := context.Background()
	if err := iface.DebugPortSetup(ctx, dap.DefaultDP); err != nil {
		t.Fatalf("DebugPortSetup: %v", err)
	}
	if err := iface.DebugPortStart(ctx); err != nil {
		t.Fatalf("DebugPortStart: %v", err)
	}

	want := idcode.ParseIDCode(sim.DefaultConfig().DPIDR)
	got := iface.DPIDR()
	if got.Raw != want.Raw || got.ManufacturerCode != want.ManufacturerCode {
		t.Fatalf("DPIDR() = %+v, want %+v", got, want)
	}
	if iface.Designer().Code != want.ManufacturerCode {
		t.Fatalf("Designer().Code = 0x%X, want 0x%X", iface.Designer().Code, want.ManufacturerCode)
	}
}

func TestMemoryAPReadWriteWord(t *testing.T) {
	s := sim.New(sim.DefaultConfig())
	port := dap.NewPort(s)
	iface := arm.NewArmDebugInterface(port)
	ctx := context.Background()
	if err := iface.DebugPortSetup(ctx, dap.DefaultDP); err != nil {
		t.Fatalf("DebugPortSetup: %v", err)
	}

	ap, err := arm.NewMemoryAP(port, dap.ApAddress{Dp: dap.DefaultDP, Select: 0})
	if err != nil {
		t.Fatalf("NewMemoryAP: %v", err)
	}

	if err := ap.WriteWord(0x2000_0000, 0xCAFEBABE); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	v, err := ap.ReadWord(0x2000_0000)
	if err != nil {
		t.Fatalf("ReadWord: %v", err)
	}
	if v != 0xCAFEBABE {
		t.Fatalf("got 0x%X, want 0xCAFEBABE", v)
	}
}

func TestMemoryAPBlockReadWrite(t *testing.T) {
	s := sim.New(sim.DefaultConfig())
	port := dap.NewPort(s)
	ap, err := arm.NewMemoryAP(port, dap.ApAddress{Dp: dap.DefaultDP, Select: 0})
	if err != nil {
		t.Fatalf("NewMemoryAP: %v", err)
	}

	in := []uint32{1, 2, 3, 4, 5}
	if err := ap.WriteBlock32(0x2000_0000, in); err != nil {
		t.Fatalf("WriteBlock32: %v", err)
	}

	out := make([]uint32, len(in))
	if err := ap.ReadBlock32Strict(0x2000_0000, out); err != nil {
		t.Fatalf("ReadBlock32Strict: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("word %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

func TestNewMemoryAPRejectsV2(t *testing.T) {
	s := sim.New(sim.DefaultConfig())
	port := dap.NewPort(s)
	_, err := arm.NewMemoryAP(port, dap.ApAddress{Dp: dap.DefaultDP, V2: true, Select: 0x1000})
	if err == nil {
		t.Fatal("expected error for v2 AP address")
	}
}
