package cart

import (
	"bytes"
	"encoding/gob"
	"time"
)

// MBC3 implements ROM/RAM banking plus an optional real-time clock.
//
// Banking:
//   - 0000-1FFF: RAM/RTC enable (0x0A in low nibble)
//   - 2000-3FFF: ROM bank, 7 bits (0 maps to 1)
//   - 4000-5FFF: RAM bank 0-3, or RTC register select 0x08-0x0C
//   - 6000-7FFF: latch clock data; writing 0 then 1 copies the live
//     registers into the latched snapshot the CPU actually reads
//   - A000-BFFF: external RAM, or the selected RTC register, depending on
//     the last 4000-5FFF write
type MBC3 struct {
	rom []byte
	ram []byte

	ramEnabled bool
	romBank    byte // 7 bits (1..127)
	ramBank    byte // 0..3, or 0x08-0x0C selects an RTC register
	hasRTC     bool

	rtc       rtcRegisters
	latched   rtcRegisters
	latchPrev byte // last byte written to 0x6000-0x7FFF, for the 0->1 edge
	subsecond time.Duration
	halted    bool
}

type rtcRegisters struct {
	Seconds, Minutes, Hours byte
	DayLow                  byte // low 8 bits of day counter
	DayHigh                 byte // bit0: day counter bit 8, bit6: halt, bit7: day carry
}

func NewMBC3(rom []byte, ramSize int, hasRTC bool) *MBC3 {
	m := &MBC3{rom: rom, hasRTC: hasRTC}
	if ramSize > 0 {
		m.ram = make([]byte, ramSize)
	}
	m.romBank = 1
	return m
}

func (m *MBC3) Read(addr uint16) byte {
	switch {
	case addr < 0x4000:
		if int(addr) < len(m.rom) {
			return m.rom[addr]
		}
		return 0xFF
	case addr < 0x8000:
		bank := int(m.romBank & 0x7F)
		if bank == 0 {
			bank = 1
		}
		off := bank*0x4000 + int(addr-0x4000)
		if off >= 0 && off < len(m.rom) {
			return m.rom[off]
		}
		return 0xFF
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return 0xFF
		}
		if m.hasRTC && m.ramBank >= 0x08 && m.ramBank <= 0x0C {
			switch m.ramBank {
			case 0x08:
				return m.latched.Seconds
			case 0x09:
				return m.latched.Minutes
			case 0x0A:
				return m.latched.Hours
			case 0x0B:
				return m.latched.DayLow
			case 0x0C:
				return m.latched.DayHigh
			}
		}
		if len(m.ram) == 0 {
			return 0xFF
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			return m.ram[off]
		}
		return 0xFF
	default:
		return 0xFF
	}
}

func (m *MBC3) Write(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		m.ramEnabled = (value & 0x0F) == 0x0A
	case addr < 0x4000:
		v := value & 0x7F
		if v == 0 {
			v = 1
		}
		m.romBank = v
	case addr < 0x6000:
		m.ramBank = value
	case addr < 0x8000:
		if m.latchPrev == 0x00 && value == 0x01 {
			m.latched = m.rtc
		}
		m.latchPrev = value
	case addr >= 0xA000 && addr <= 0xBFFF:
		if !m.ramEnabled {
			return
		}
		if m.hasRTC && m.ramBank >= 0x08 && m.ramBank <= 0x0C {
			switch m.ramBank {
			case 0x08:
				m.rtc.Seconds = value % 60
			case 0x09:
				m.rtc.Minutes = value % 60
			case 0x0A:
				m.rtc.Hours = value % 24
			case 0x0B:
				m.rtc.DayLow = value
			case 0x0C:
				m.rtc.DayHigh = value & 0xC1
				m.halted = m.rtc.DayHigh&0x40 != 0
			}
			return
		}
		if len(m.ram) == 0 {
			return
		}
		rb := int(m.ramBank & 0x03)
		off := rb*0x2000 + int(addr-0xA000)
		if off >= 0 && off < len(m.ram) {
			m.ram[off] = value
		}
	}
}

// Tick advances the RTC by cycles emulated T-cycles at the DMG clock rate
// (4194304 Hz), accumulating sub-second remainders across calls. The RTC
// follows emulated time only; host wall-clock time is not consulted.
func (m *MBC3) Tick(cycles int) {
	if !m.hasRTC || m.halted || cycles <= 0 {
		return
	}
	const dmgClockHz = 4194304
	m.subsecond += time.Duration(cycles) * time.Second / dmgClockHz
	for m.subsecond >= time.Second {
		m.subsecond -= time.Second
		m.tickSecond()
	}
}

func (m *MBC3) tickSecond() {
	m.rtc.Seconds++
	if m.rtc.Seconds < 60 {
		return
	}
	m.rtc.Seconds = 0
	m.rtc.Minutes++
	if m.rtc.Minutes < 60 {
		return
	}
	m.rtc.Minutes = 0
	m.rtc.Hours++
	if m.rtc.Hours < 24 {
		return
	}
	m.rtc.Hours = 0
	day := uint16(m.rtc.DayLow) | uint16(m.rtc.DayHigh&0x01)<<8
	day++
	if day > 0x1FF {
		day = 0
		m.rtc.DayHigh |= 0x80 // day counter carry
	}
	m.rtc.DayLow = byte(day)
	m.rtc.DayHigh = (m.rtc.DayHigh &^ 0x01) | byte((day>>8)&0x01)
}

type mbc3State struct {
	RAM                []byte
	RamEnabled         bool
	RomBank, RamBank   byte
	RTC, Latched       rtcRegisters
	LatchPrev          byte
	SubsecondNanos     int64
	Halted             bool
}

func (m *MBC3) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(mbc3State{
		RAM: append([]byte(nil), m.ram...), RamEnabled: m.ramEnabled,
		RomBank: m.romBank, RamBank: m.ramBank,
		RTC: m.rtc, Latched: m.latched, LatchPrev: m.latchPrev,
		SubsecondNanos: int64(m.subsecond), Halted: m.halted,
	})
	return buf.Bytes()
}

func (m *MBC3) LoadState(data []byte) {
	var s mbc3State
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	if len(s.RAM) == len(m.ram) {
		copy(m.ram, s.RAM)
	}
	m.ramEnabled, m.romBank, m.ramBank = s.RamEnabled, s.RomBank, s.RamBank
	m.rtc, m.latched, m.latchPrev = s.RTC, s.Latched, s.LatchPrev
	m.subsecond = time.Duration(s.SubsecondNanos)
	m.halted = s.Halted
}

func (m *MBC3) SaveRAM() []byte {
	if len(m.ram) == 0 {
		return nil
	}
	return append([]byte(nil), m.ram...)
}

func (m *MBC3) LoadRAM(data []byte) {
	if len(m.ram) == 0 || len(data) == 0 {
		return
	}
	copy(m.ram, data)
}
