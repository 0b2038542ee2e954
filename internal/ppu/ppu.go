package ppu

import (
	"bytes"
	"encoding/gob"
)

// InterruptRequester is a callback signature to request IF bits (0:VBlank, 1:STAT, etc.).
type InterruptRequester func(bit int)

const (
	ScreenWidth  = 160
	ScreenHeight = 144
)

// sprite is one decoded OAM entry, used during scanline composition.
type sprite struct {
	y, x, tile, attr byte
	oamIndex         int
}

// PPU models VRAM/OAM, LCDC/STAT regs, LY/LYC, the pixel pipeline timing, and
// produces a 160x144 RGBA framebuffer one scanline at a time as mode 3 ends.
type PPU struct {
	vram [0x2000]byte // 0x8000-0x9FFF
	oam  [0xA0]byte   // 0xFE00-0xFE9F

	lcdc byte // FF40
	stat byte // FF41 (mode bits 0-1, coincidence flag bit2, enables bits3-6)
	scy  byte // FF42
	scx  byte // FF43
	ly   byte // FF44
	lyc  byte // FF45
	bgp  byte // FF47
	obp0 byte // FF48
	obp1 byte // FF49
	wy   byte // FF4A
	wx   byte // FF4B

	dot         int  // dots within current line [0..455]
	mode3End    int  // dot at which mode 3 ends this line, recomputed at mode-2 exit
	windowLine  int  // internal window line counter, increments only on lines the window was drawn
	statLineLvl bool // previous level of the OR'd STAT interrupt sources, for 0->1 edge detection

	fb [ScreenWidth * ScreenHeight * 4]byte // RGBA8888 framebuffer, written one row at a time

	lineWinLine [ScreenHeight]int // per-line snapshot of the window line counter used while drawing, for debugging/tests

	frameReady bool // set on entry to VBlank, cleared by ConsumeFrameReady

	req InterruptRequester
}

// ConsumeFrameReady reports whether a frame has completed (LY reached 144)
// since the last call, clearing the flag. Used by the facade to stop its
// cycle-budget loop early at a frame boundary per spec §4.10.
func (p *PPU) ConsumeFrameReady() bool {
	v := p.frameReady
	p.frameReady = false
	return v
}

// LineRegsSnapshot reports the window-line counter that was active while a
// given scanline was rendered, primarily useful for tests and debuggers.
type LineRegsSnapshot struct{ WinLine int }

func (p *PPU) LineRegs(y int) LineRegsSnapshot {
	if y < 0 || y >= ScreenHeight {
		return LineRegsSnapshot{}
	}
	return LineRegsSnapshot{WinLine: p.lineWinLine[y]}
}

func New(req InterruptRequester) *PPU { return &PPU{req: req} }

// Framebuffer returns the current RGBA8888 framebuffer (160x144x4 bytes).
// The slice aliases the PPU's internal buffer; callers that need a stable
// snapshot across frames should copy it.
func (p *PPU) Framebuffer() []byte { return p.fb[:] }

func (p *PPU) CPURead(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return 0xFF
		}
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return 0xFF
		}
		return p.oam[addr-0xFE00]
	case addr == 0xFF40:
		return p.lcdc
	case addr == 0xFF41:
		return 0x80 | (p.stat & 0x7F)
	case addr == 0xFF42:
		return p.scy
	case addr == 0xFF43:
		return p.scx
	case addr == 0xFF44:
		return p.ly
	case addr == 0xFF45:
		return p.lyc
	case addr == 0xFF47:
		return p.bgp
	case addr == 0xFF48:
		return p.obp0
	case addr == 0xFF49:
		return p.obp1
	case addr == 0xFF4A:
		return p.wy
	case addr == 0xFF4B:
		return p.wx
	default:
		return 0xFF
	}
}

// Peek bypasses the VRAM/OAM access-window restrictions CPURead enforces;
// used by the disassembler/debugger and by OAM DMA's internal copy.
func (p *PPU) Peek(addr uint16) byte {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		return p.vram[addr-0x8000]
	case addr >= 0xFE00 && addr <= 0xFE9F:
		return p.oam[addr-0xFE00]
	default:
		return p.CPURead(addr)
	}
}

func (p *PPU) CPUWrite(addr uint16, value byte) {
	switch {
	case addr >= 0x8000 && addr <= 0x9FFF:
		if (p.stat & 0x03) == 3 {
			return
		}
		p.vram[addr-0x8000] = value
	case addr >= 0xFE00 && addr <= 0xFE9F:
		m := p.stat & 0x03
		if m == 2 || m == 3 {
			return
		}
		p.oam[addr-0xFE00] = value
	case addr == 0xFF40:
		prev := p.lcdc
		p.lcdc = value
		if (p.lcdc&0x80) == 0 && (prev&0x80) != 0 {
			p.ly = 0
			p.dot = 0
			p.windowLine = 0
			p.setMode(0)
			p.updateLYC()
		} else if (p.lcdc&0x80) != 0 && (prev&0x80) == 0 {
			p.ly = 0
			p.dot = 0
			p.windowLine = 0
			p.setMode(2)
			p.updateLYC()
		}
	case addr == 0xFF41:
		p.stat = (p.stat & 0x07) | (value & 0x78)
		p.evalStatLine()
	case addr == 0xFF42:
		p.scy = value
	case addr == 0xFF43:
		p.scx = value
	case addr == 0xFF44:
		p.ly = 0
		p.dot = 0
		p.updateLYC()
		if (p.lcdc & 0x80) != 0 {
			p.setMode(2)
		}
	case addr == 0xFF45:
		p.lyc = value
		p.updateLYC()
	case addr == 0xFF47:
		p.bgp = value
	case addr == 0xFF48:
		p.obp0 = value
	case addr == 0xFF49:
		p.obp1 = value
	case addr == 0xFF4A:
		p.wy = value
	case addr == 0xFF4B:
		p.wx = value
	}
}

// PokeOAM writes directly to OAM, bypassing the mode 2/3 access block; used
// by the bus's OAM DMA byte-stepper, which always succeeds regardless of
// PPU mode.
func (p *PPU) PokeOAM(index int, value byte) {
	if index >= 0 && index < len(p.oam) {
		p.oam[index] = value
	}
}

// Tick advances PPU state by the given number of dots (T-cycles).
func (p *PPU) Tick(cycles int) {
	if cycles <= 0 {
		return
	}
	for i := 0; i < cycles; i++ {
		if (p.lcdc & 0x80) == 0 { // LCD off: fully dormant
			continue
		}
		p.dot++

		// Mode 2 ends at dot 80; mode 3's length is fixed at that point.
		if p.ly < 144 && p.dot == 80 {
			p.mode3End = 80 + p.mode3Duration()
		}

		var mode byte
		if p.ly >= 144 {
			mode = 1
		} else {
			switch {
			case p.dot < 80:
				mode = 2
			case p.dot < p.mode3End:
				mode = 3
			default:
				mode = 0
			}
		}
		prevMode := p.stat & 0x03
		p.setMode(mode)
		if prevMode == 3 && mode == 0 {
			p.renderScanline()
		}

		if p.dot >= 456 {
			p.dot = 0
			p.ly++
			if p.ly == 144 {
				if p.req != nil {
					p.req(0)
				}
				p.frameReady = true
				p.setMode(1)
			} else if p.ly > 153 {
				p.ly = 0
				p.windowLine = 0
			}
			p.updateLYC()
			if p.ly < 144 {
				p.setMode(2)
			}
		}
	}
}

// mode3Duration is base 172 dots, plus the SCX%8 partial-tile discard, plus
// a flat 6 dots for each sprite scanSprites finds on this scanline (at most
// 10). The per-sprite cost does not vary with the sprite's X position.
func (p *PPU) mode3Duration() int {
	dur := 172 + int(p.scx&0x07)
	if p.lcdc&0x02 != 0 {
		sprites := p.scanSprites()
		for i, s := range sprites {
			if i >= 10 {
				break
			}
			_ = s
			dur += 6
		}
	}
	return dur
}

func (p *PPU) setMode(mode byte) {
	p.stat = (p.stat &^ 0x03) | (mode & 0x03)
	p.evalStatLine()
}

// evalStatLine implements the classic STAT-blocking behavior: the IF STAT
// bit is only requested on a 0->1 transition of the OR of the four
// enable-and-condition-match lines (LYC=LY, mode 0, mode 1, mode 2), not on
// every change of an individual source.
func (p *PPU) evalStatLine() {
	mode := p.stat & 0x03
	lvl := false
	if (p.stat&(1<<3)) != 0 && mode == 0 {
		lvl = true
	}
	if (p.stat&(1<<4)) != 0 && mode == 1 {
		lvl = true
	}
	if (p.stat&(1<<5)) != 0 && mode == 2 {
		lvl = true
	}
	if (p.stat&(1<<6)) != 0 && (p.stat&0x04) != 0 {
		lvl = true
	}
	if lvl && !p.statLineLvl {
		if p.req != nil {
			p.req(1)
		}
	}
	p.statLineLvl = lvl
}

func (p *PPU) updateLYC() {
	if p.ly == p.lyc {
		p.stat |= 1 << 2
	} else {
		p.stat &^= 1 << 2
	}
	p.evalStatLine()
}

// renderScanline composes BG, window, and sprites for the current LY into
// the framebuffer, using the tile fetcher from fetcher.go/scanline.go.
func (p *PPU) renderScanline() {
	if p.ly >= ScreenHeight {
		return
	}
	line := &vramAdapter{p}
	tileData8000 := p.lcdc&0x10 != 0

	var bgLine [ScreenWidth]byte
	if p.lcdc&0x01 != 0 {
		mapBase := uint16(0x9800)
		if p.lcdc&0x08 != 0 {
			mapBase = 0x9C00
		}
		bgLine = RenderBGScanlineUsingFetcher(line, mapBase, tileData8000, p.scx, p.scy, p.ly)
	}

	windowActive := p.lcdc&0x20 != 0 && p.lcdc&0x01 != 0 && p.ly >= p.wy && int(p.wx) <= 166
	wxStart := int(p.wx) - 7
	if windowActive {
		winMapBase := uint16(0x9800)
		if p.lcdc&0x40 != 0 {
			winMapBase = 0x9C00
		}
		winLine := RenderWindowScanlineUsingFetcher(line, winMapBase, tileData8000, wxStart, byte(p.windowLine))
		for x := wxStart; x < ScreenWidth; x++ {
			if x < 0 {
				continue
			}
			bgLine[x] = winLine[x]
		}
		p.lineWinLine[p.ly] = p.windowLine
		p.windowLine++
	} else {
		p.lineWinLine[p.ly] = 0
	}

	var bgColor [ScreenWidth]byte
	for x := 0; x < ScreenWidth; x++ {
		bgColor[x] = applyPalette(bgLine[x], p.bgp)
	}

	if p.lcdc&0x02 != 0 {
		p.compositeSprites(line, bgLine[:], bgColor[:])
	}

	base := int(p.ly) * ScreenWidth * 4
	for x := 0; x < ScreenWidth; x++ {
		c := dmgShade(bgColor[x])
		o := base + x*4
		p.fb[o], p.fb[o+1], p.fb[o+2], p.fb[o+3] = c, c, c, 0xFF
	}
}

// scanSprites returns up to 10 OAM entries (in OAM order) whose Y range
// overlaps the current scanline.
func (p *PPU) scanSprites() []sprite {
	tall := p.lcdc&0x04 != 0
	height := byte(8)
	if tall {
		height = 16
	}
	var out []sprite
	for i := 0; i < 40 && len(out) < 10; i++ {
		o := i * 4
		y := p.oam[o]
		x := p.oam[o+1]
		tile := p.oam[o+2]
		attr := p.oam[o+3]
		top := int(y) - 16
		if int(p.ly) >= top && int(p.ly) < top+int(height) {
			out = append(out, sprite{y: y, x: x, tile: tile, attr: attr, oamIndex: i})
		}
	}
	return out
}

// compositeSprites blends sprite pixels over the already-computed BG/window
// color line, honoring X-priority (lower X wins among sprites, then lower
// OAM index), X/Y flip, 8x16 mode, palette select, and BG-over-OBJ priority.
func (p *PPU) compositeSprites(mem VRAMReader, bgIdx []byte, out []byte) {
	tall := p.lcdc&0x04 != 0
	height := 8
	if tall {
		height = 16
	}
	sprites := p.scanSprites()

	type hit struct {
		x   int
		ord int
	}
	covered := make([]int, ScreenWidth)
	for i := range covered {
		covered[i] = -1
	}
	owners := make([]sprite, len(sprites))
	copy(owners, sprites)

	for si, s := range sprites {
		spriteX := int(s.x) - 8
		if spriteX <= -8 || spriteX >= ScreenWidth {
			continue
		}
		row := int(p.ly) - (int(s.y) - 16)
		flipY := s.attr&0x40 != 0
		flipX := s.attr&0x20 != 0
		if flipY {
			row = height - 1 - row
		}
		tile := s.tile
		if tall {
			tile &^= 0x01
			if row >= 8 {
				tile |= 0x01
				row -= 8
			}
		}
		addr := 0x8000 + uint16(tile)*16 + uint16(row)*2
		lo := mem.Read(addr)
		hi := mem.Read(addr + 1)
		behindBG := s.attr&0x80 != 0
		palette := p.obp0
		if s.attr&0x10 != 0 {
			palette = p.obp1
		}
		for px := 0; px < 8; px++ {
			sx := spriteX + px
			if sx < 0 || sx >= ScreenWidth {
				continue
			}
			bit := px
			if !flipX {
				bit = 7 - px
			}
			ci := ((hi>>bit)&1)<<1 | ((lo >> bit) & 1)
			if ci == 0 {
				continue
			}
			cur := covered[sx]
			if cur != -1 {
				co := owners[cur]
				if co.x != s.x {
					if s.x >= co.x {
						continue
					}
				} else if s.oamIndex > co.oamIndex {
					continue
				}
			}
			if behindBG && bgIdx[sx] != 0 {
				continue
			}
			covered[sx] = si
			out[sx] = applyPalette(ci, palette)
		}
	}
}

func applyPalette(colorIdx, palette byte) byte {
	return (palette >> (colorIdx * 2)) & 0x03
}

// dmgShade maps a 2-bit DMG shade (0=lightest..3=darkest) to an 8-bit gray level.
func dmgShade(shade byte) byte {
	switch shade & 0x03 {
	case 0:
		return 0xFF
	case 1:
		return 0xAA
	case 2:
		return 0x55
	default:
		return 0x00
	}
}

// vramAdapter exposes the PPU's own VRAM to the fetcher without going
// through the CPU-facing access-window checks (the renderer runs out of
// band with CPU-visible timing, at the boundary of mode 3).
type vramAdapter struct{ p *PPU }

func (v *vramAdapter) Read(addr uint16) byte {
	if addr >= 0x8000 && addr <= 0x9FFF {
		return v.p.vram[addr-0x8000]
	}
	return 0xFF
}

// Expose palettes and scroll for renderer/UI convenience.
func (p *PPU) BGP() byte  { return p.bgp }
func (p *PPU) OBP0() byte { return p.obp0 }
func (p *PPU) OBP1() byte { return p.obp1 }
func (p *PPU) LCDC() byte { return p.lcdc }
func (p *PPU) SCY() byte  { return p.scy }
func (p *PPU) SCX() byte  { return p.scx }
func (p *PPU) WY() byte   { return p.wy }
func (p *PPU) WX() byte   { return p.wx }
func (p *PPU) LY() byte   { return p.ly }

type ppuState struct {
	VRAM                                              [0x2000]byte
	OAM                                                [0xA0]byte
	LCDC, STAT, SCY, SCX, LY, LYC, BGP, OBP0, OBP1, WY, WX byte
	Dot, Mode3End, WindowLine                         int
	StatLineLvl                                       bool
	FB                                                [ScreenWidth * ScreenHeight * 4]byte
}

func (p *PPU) SaveState() []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(ppuState{
		VRAM: p.vram, OAM: p.oam,
		LCDC: p.lcdc, STAT: p.stat, SCY: p.scy, SCX: p.scx, LY: p.ly, LYC: p.lyc,
		BGP: p.bgp, OBP0: p.obp0, OBP1: p.obp1, WY: p.wy, WX: p.wx,
		Dot: p.dot, Mode3End: p.mode3End, WindowLine: p.windowLine, StatLineLvl: p.statLineLvl,
		FB: p.fb,
	})
	return buf.Bytes()
}

func (p *PPU) LoadState(data []byte) {
	var s ppuState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return
	}
	p.vram, p.oam = s.VRAM, s.OAM
	p.lcdc, p.stat, p.scy, p.scx, p.ly, p.lyc = s.LCDC, s.STAT, s.SCY, s.SCX, s.LY, s.LYC
	p.bgp, p.obp0, p.obp1, p.wy, p.wx = s.BGP, s.OBP0, s.OBP1, s.WY, s.WX
	p.dot, p.mode3End, p.windowLine, p.statLineLvl = s.Dot, s.Mode3End, s.WindowLine, s.StatLineLvl
	p.fb = s.FB
}
