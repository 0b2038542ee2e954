package cart

import "testing"

func TestMBC3_RTC_LatchAndRead(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC3(rom, 0x2000, true)

	m.Write(0x0000, 0x0A) // RAM enable
	m.rtc = rtcRegisters{Seconds: 5, Minutes: 6, Hours: 7, DayLow: 0x01, DayHigh: 0x01}
	m.Write(0x6000, 0x00)
	m.Write(0x6000, 0x01) // latch on 0->1 edge

	m.Write(0x4000, 0x08) // select seconds
	if got := m.Read(0xA000); got != 5 {
		t.Fatalf("latched sec got %d want 5", got)
	}
	// Changing the live register must not affect the already-latched read.
	m.rtc.Seconds = 30
	if got := m.Read(0xA000); got != 5 {
		t.Fatalf("latched sec changed unexpectedly: got %d", got)
	}

	m.Write(0x4000, 0x0B)
	if got := m.Read(0xA000); got != 0x01 {
		t.Fatalf("latched day low got %02X want 01", got)
	}
}

func TestMBC3_RTC_TicksForwardWithCycles(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC3(rom, 0x2000, true)
	m.rtc = rtcRegisters{Seconds: 58, Minutes: 59, Hours: 23, DayLow: 0xFF, DayHigh: 0x01}

	// One full DMG second worth of T-cycles, twice: 58 -> 59 -> 0 with
	// minute/hour/day rollover and carry set on the 0x1FF -> 0 wrap.
	const dmgClockHz = 4194304
	m.Tick(dmgClockHz)
	if m.rtc.Seconds != 59 {
		t.Fatalf("after 1s got sec=%d want 59", m.rtc.Seconds)
	}
	m.Tick(dmgClockHz)
	if m.rtc.Seconds != 0 || m.rtc.Minutes != 0 || m.rtc.Hours != 0 {
		t.Fatalf("after 2s got %02d:%02d:%02d want 00:00:00", m.rtc.Hours, m.rtc.Minutes, m.rtc.Seconds)
	}
	if m.rtc.DayHigh&0x80 == 0 {
		t.Fatalf("expected day-counter carry bit set after wrap")
	}
}

func TestMBC3_RTC_HaltStopsTicking(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC3(rom, 0x2000, true)
	m.Write(0x0000, 0x0A)
	m.Write(0x4000, 0x0C)
	m.Write(0xA000, 0x40) // set halt bit
	const dmgClockHz = 4194304
	m.Tick(dmgClockHz * 2)
	if m.rtc.Seconds != 0 {
		t.Fatalf("halted RTC advanced: sec=%d", m.rtc.Seconds)
	}
}

func TestMBC3_SaveLoadState_RoundTrips(t *testing.T) {
	rom := make([]byte, 0x8000)
	m := NewMBC3(rom, 0x2000, true)
	m.Write(0x0000, 0x0A)
	m.Write(0xA000, 0x42)
	m.rtc = rtcRegisters{Seconds: 12, Minutes: 34, Hours: 5, DayLow: 9}

	data := m.SaveState()
	n := NewMBC3(rom, 0x2000, true)
	n.LoadState(data)
	if n.rtc != m.rtc {
		t.Fatalf("rtc state mismatch after load: got %+v want %+v", n.rtc, m.rtc)
	}
	n.Write(0x0000, 0x0A)
	if got := n.Read(0xA000); got != 0x42 {
		t.Fatalf("ram state mismatch after load: got %02X want 42", got)
	}
}
