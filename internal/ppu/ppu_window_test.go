package ppu

import "testing"

// advanceLines ticks the PPU forward by n full visible lines (456 dots each).
func advanceLines(p *PPU, n int) { p.Tick(456 * n) }

func TestWindowActivationAndCounter(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF40, 0x80)           // LCD on
	p.CPUWrite(0xFF40, 0x80|0x01)      // BG on
	p.CPUWrite(0xFF40, 0x80|0x01|0x20) // Window on
	p.CPUWrite(0xFF4A, 10)             // WY = 10
	p.CPUWrite(0xFF4B, 7)              // WX = 7 -> winXStart=0

	// Run a full line at LY=10 so renderScanline fires at its HBlank edge.
	advanceLines(p, 11)
	lr := p.LineRegs(10)
	if lr.WinLine != 0 {
		t.Fatalf("expected WinLine=0 at WY, got %d", lr.WinLine)
	}
	advanceLines(p, 1)
	lr2 := p.LineRegs(11)
	if lr2.WinLine != 1 {
		t.Fatalf("expected WinLine=1 at WY+1, got %d", lr2.WinLine)
	}
}

func TestWindowNotVisibleWhenWXTooLarge(t *testing.T) {
	p := New(nil)
	p.CPUWrite(0xFF40, 0x80|0x01|0x20)
	p.CPUWrite(0xFF4A, 5)
	p.CPUWrite(0xFF4B, 200)
	advanceLines(p, 13)
	for y := 5; y <= 12; y++ {
		if p.LineRegs(y).WinLine != 0 {
			t.Fatalf("expected WinLine=0 at y=%d when WX>166", y)
		}
	}
}
