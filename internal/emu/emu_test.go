package emu

import (
	"encoding/binary"
	"testing"
)

// buildROMOnly makes a synthetic, header-checksum-valid ROM-only cartridge
// (cart type 0x00, 32 KiB, no RAM) good enough to exercise the Machine
// facade without needing a real commercial ROM on disk.
func buildROMOnly(title string) []byte {
	rom := make([]byte, 32*1024)
	tbytes := []byte(title)
	if len(tbytes) > 16 {
		tbytes = tbytes[:16]
	}
	copy(rom[0x0134:0x0144], tbytes)
	rom[0x0143] = 0x00
	rom[0x0147] = 0x00 // ROM only
	rom[0x0148] = 0x00 // 32 KiB
	rom[0x0149] = 0x00 // no RAM

	var hsum byte
	for addr := 0x0134; addr <= 0x014C; addr++ {
		hsum = hsum - rom[addr] - 1
	}
	rom[0x014D] = hsum

	var gsum uint16
	for i, b := range rom {
		if i == 0x014E || i == 0x014F {
			continue
		}
		gsum += uint16(b)
	}
	binary.BigEndian.PutUint16(rom[0x014E:0x0150], gsum)
	return rom
}

func TestMachine_LoadCartridge_RejectsBadHeader(t *testing.T) {
	m := New(Config{})
	if err := m.LoadCartridge([]byte{0x00, 0x01, 0x02}, nil); err == nil {
		t.Fatalf("expected an error loading a truncated ROM")
	}
}

func TestMachine_StepFrame_ProducesFramebuffer(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("TESTROM")
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.StepFrame()
	fb := m.Framebuffer()
	if len(fb) != 160*144*4 {
		t.Fatalf("framebuffer size got %d want %d", len(fb), 160*144*4)
	}
}

func TestMachine_ROMTitle(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("HELLO")
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if got := m.ROMTitle(); got != "HELLO" {
		t.Fatalf("ROMTitle got %q want %q", got, "HELLO")
	}
}

func TestMachine_SaveState_RoundTrip(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("SAVETEST")
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	for i := 0; i < 3; i++ {
		m.StepFrame()
	}
	pcBefore := m.cpu.PC

	data, err := m.SaveState(true)
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	// Mutate state, then restore it.
	m.cpu.PC = 0x1234
	if err := m.LoadState(data); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if m.cpu.PC != pcBefore {
		t.Fatalf("PC after LoadState got %#04x want %#04x", m.cpu.PC, pcBefore)
	}
}

func TestMachine_LoadState_RejectsBadMagic(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("BADMAGIC")
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	if err := m.LoadState([]byte("not a save state")); err == nil {
		t.Fatalf("expected error loading garbage data")
	}
}

func TestMachine_Step_RespectsDtMsAndTurbo(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("STEPDT")
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	// A quarter frame at 1x: this run ends on its cycle budget, before the
	// first frame completes, so the frame stop cannot equalize the two runs.
	m.Step(Buttons{}, 1000.0/240.0)
	if m.cpu.InstrCount == 0 {
		t.Fatalf("Step did not advance the CPU")
	}
	countAt1x := m.cpu.InstrCount

	m2 := New(Config{})
	rom2 := buildROMOnly("STEPDT2")
	if err := m2.LoadCartridge(rom2, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m2.SetTurboSpeed(4)
	m2.Step(Buttons{}, 1000.0/240.0)
	if m2.cpu.InstrCount <= countAt1x {
		t.Fatalf("turbo Step retired %d instructions, want more than 1x's %d", m2.cpu.InstrCount, countAt1x)
	}
}

func TestMachine_Step_StopsAtFrameBoundary(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("STEPFRM")
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	// A huge dt_ms would normally exceed one frame's budget by a wide
	// margin; Step must still stop at the first completed frame.
	m.Step(Buttons{}, 1000)
	if m.cpu.InstrCount == 0 {
		t.Fatalf("expected Step to have executed at least one instruction")
	}
	if ly := m.bus.PPU().LY(); ly != 144 {
		t.Fatalf("expected Step to stop on entering VBlank (LY=144), got LY=%d", ly)
	}
}

func TestMachine_DebugCallbacks(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("DBGHOOKS")
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	startPC := m.cpu.PC

	var sawPC bool
	m.SetPCCallback(startPC, func(pc uint16) { sawPC = true })

	var sawInstr bool
	firstOp := m.rom[startPC]
	m.SetInstructionCallback(firstOp, func(op byte) { sawInstr = true })

	var countFired uint64
	m.SetInstructionCountCallback(1, func(n uint64) { countFired = n })

	m.StepFrame()

	if !sawPC {
		t.Fatalf("PC callback at %#04x did not fire", startPC)
	}
	if !sawInstr {
		t.Fatalf("instruction callback for opcode %#02x did not fire", firstOp)
	}
	if countFired != 1 {
		t.Fatalf("instruction-count callback fired with n=%d, want 1", countFired)
	}

	m.ClearCallbacks()
	sawPC, sawInstr, countFired = false, false, 0
	m.ResetPostBoot()
	m.StepFrame()
	if sawPC || sawInstr || countFired != 0 {
		t.Fatalf("callbacks fired after ClearCallbacks")
	}
}

func TestMachine_GetDisassemblyInfo(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("DISASM")
	rom[0x0150] = 0x00 // NOP, just past the header
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	info := m.GetDisassemblyInfo(0x0150)
	if info.Size != 1 {
		t.Fatalf("NOP disassembly size got %d want 1", info.Size)
	}
}

func TestMachine_GetMemoryUse(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("MEMUSE")
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	u := m.GetMemoryUse()
	if u.WRAM != 0x2000 || u.HRAM != 0x7F || u.VRAM != 0x2000 || u.OAM != 0xA0 {
		t.Fatalf("unexpected MemoryUse: %+v", u)
	}
}

func TestMachine_SetButtons_ReachesBus(t *testing.T) {
	m := New(Config{})
	rom := buildROMOnly("BUTTONS")
	if err := m.LoadCartridge(rom, nil); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	m.SetButtons(Buttons{A: true, Up: true})
	m.bus.Write(0xFF00, 0x20) // select D-pad
	v := m.bus.Read(0xFF00)
	if v&0x04 != 0 { // Up bit should read low (pressed)
		t.Fatalf("Up button not reflected in JOYP: %#02x", v)
	}
}
