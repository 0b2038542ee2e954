// Package emu wires cartridge, bus, CPU, PPU and APU into the single
// step(dt_ms, inputs) -> frame facade an external host (a renderer, a
// headless conformance-test runner, ...) drives. It owns the save-state
// container format on top of each subsystem's own gob blob.
package emu

import (
	"io"
	"os"

	"github.com/kestrelcore/dmgemu/internal/bus"
	"github.com/kestrelcore/dmgemu/internal/cart"
	"github.com/kestrelcore/dmgemu/internal/cpu"
	"github.com/kestrelcore/dmgemu/internal/disasm"
)

// cyclesPerFrame is the DMG T-cycle count per video frame: 154 scanlines *
// 456 dots, at the 4.194304 MHz system clock (~59.7275 Hz).
const cyclesPerFrame = 70224

// cyclesPerSecond is the DMG system clock: 4.194304 MHz, expressed in
// T-cycles, matching the cyclesPerFrame/frame-rate relationship above.
const cyclesPerSecond = 4194304.0

// DisassemblyInfo mirrors spec §4.11/§6's get_disassembly_info(addr) result.
type DisassemblyInfo struct {
	Mnemonic string
	Size     int
	Base     int
}

// MemoryUse reports the size, in bytes, of each core-owned RAM region, for
// debugger/tooling display via get_memory_use().
type MemoryUse struct {
	WRAM, HRAM, VRAM, OAM, ExternalRAM int
}

// Buttons mirrors the eight DMG joypad inputs.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

func (b Buttons) mask() byte {
	var m byte
	if b.Right {
		m |= bus.JoypRight
	}
	if b.Left {
		m |= bus.JoypLeft
	}
	if b.Up {
		m |= bus.JoypUp
	}
	if b.Down {
		m |= bus.JoypDown
	}
	if b.A {
		m |= bus.JoypA
	}
	if b.B {
		m |= bus.JoypB
	}
	if b.Select {
		m |= bus.JoypSelectBtn
	}
	if b.Start {
		m |= bus.JoypStart
	}
	return m
}

// Machine is the top-level emulator instance: one cartridge, one CPU, one
// bus (which in turn owns PPU, timers, joypad, OAM DMA), and one APU.
type Machine struct {
	cfg Config

	romPath string
	rom     []byte
	boot    []byte

	bus *bus.Bus
	cpu *cpu.CPU

	buttons Buttons

	// persistRAM is invoked at the end of every StepFrame/Step call with a
	// copy of the cartridge's external RAM, whenever the cartridge has any.
	// RAM writes are not tracked, so it fires whether or not the RAM changed.
	persistRAM func(data []byte)

	// turboScale multiplies the cycle budget Step() computes from dt_ms;
	// clamped to >= 0.25 per spec §6 set_turbo_speed.
	turboScale float64

	// Debug-only hooks (§6). Each is keyed the way the spec's C API keys
	// it (by PC, by opcode, by address); instruction-count uses a single
	// one-shot target since the source API takes one (n, fn) pair at a
	// time.
	pcCallbacks      map[uint16]func(pc uint16)
	instrCallbacks   map[byte]func(op byte)
	dataCallbacks    map[uint16]func(addr uint16, value byte)
	instrCountTarget uint64
	instrCountFn     func(n uint64)
}

// New constructs a Machine with no cartridge loaded; call LoadCartridge or
// LoadROMFromFile before stepping.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, turboScale: 1.0}
}

func (m *Machine) log(severity Severity, msg string) {
	if m.cfg.Logger != nil {
		m.cfg.Logger(msg, severity)
	}
}

// LoadCartridge resets the machine around a new ROM image (and optional DMG
// boot ROM). A malformed or unsupported cartridge header fails with a
// *cart.LoadError and leaves the Machine in its prior state.
func (m *Machine) LoadCartridge(rom []byte, boot []byte) error {
	b, err := bus.New(rom)
	if err != nil {
		m.log(SeverityError, err.Error())
		return err
	}
	m.rom = rom
	m.boot = nil
	m.bus = b
	m.cpu = cpu.New(b)
	m.installDebugHooks()

	if len(boot) >= 0x100 {
		m.boot = boot
		b.SetBootROM(boot)
		m.cpu.SP = 0xFFFE
		m.cpu.SetPC(0x0000)
		m.cpu.IME = false
	} else {
		m.resetPostBoot()
	}
	return nil
}

// LoadROMFromFile reads rom from disk and calls LoadCartridge with no boot
// ROM. The previous ROM path is replaced with path on success.
func (m *Machine) LoadROMFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := m.LoadCartridge(data, nil); err != nil {
		return err
	}
	m.romPath = path
	return nil
}

// SetBootROM installs a DMG boot ROM (at least 256 bytes): it is mapped over
// 0x0000-0x00FF at once, even if a previous boot ROM had disabled itself, and
// PC moves to 0x0000 so it runs from the next step. The copy is also kept for
// ResetWithBoot. With no cartridge loaded nothing is mapped, and a later
// LoadCartridge replaces the stored copy with its own boot argument.
func (m *Machine) SetBootROM(boot []byte) {
	m.boot = boot
	if m.bus == nil {
		return
	}
	if len(boot) >= 0x100 {
		m.bus.SetBootROM(boot)
		m.cpu.SP = 0xFFFE
		m.cpu.SetPC(0x0000)
		m.cpu.IME = false
	}
}

// ResetWithBoot restarts the currently loaded ROM from the installed boot
// ROM (0x0000), re-enabling its overlay.
func (m *Machine) ResetWithBoot() {
	if m.bus == nil {
		return
	}
	b, err := bus.New(m.rom)
	if err != nil {
		return
	}
	m.bus = b
	m.cpu = cpu.New(b)
	m.installDebugHooks()
	if len(m.boot) >= 0x100 {
		b.SetBootROM(m.boot)
	}
	m.cpu.SP = 0xFFFE
	m.cpu.SetPC(0x0000)
	m.cpu.IME = false
}

// ResetPostBoot restarts the currently loaded ROM at the documented DMG
// post-boot register state, skipping the boot ROM entirely.
func (m *Machine) ResetPostBoot() {
	if m.rom == nil {
		return
	}
	b, err := bus.New(m.rom)
	if err != nil {
		return
	}
	m.bus = b
	m.cpu = cpu.New(b)
	m.installDebugHooks()
	m.resetPostBoot()
}

// resetPostBoot applies the documented DMG power-on register values; used by
// LoadCartridge when no boot ROM is given and by ResetPostBoot.
func (m *Machine) resetPostBoot() {
	m.cpu.ResetNoBoot()
	m.cpu.SetPC(0x0100)
	m.bus.Write(0xFF00, 0xCF)
	m.bus.Write(0xFF05, 0x00)
	m.bus.Write(0xFF06, 0x00)
	m.bus.Write(0xFF07, 0x00)
	m.bus.Write(0xFF40, 0x91)
	m.bus.Write(0xFF42, 0x00)
	m.bus.Write(0xFF43, 0x00)
	m.bus.Write(0xFF45, 0x00)
	m.bus.Write(0xFF47, 0xFC)
	m.bus.Write(0xFF48, 0xFF)
	m.bus.Write(0xFF49, 0xFF)
	m.bus.Write(0xFF4A, 0x00)
	m.bus.Write(0xFF4B, 0x00)
	m.bus.Write(0xFFFF, 0x00)
}

// SetSerialWriter attaches a sink that receives bytes written to the serial
// port (SB/SC), used by test ROMs that report pass/fail over serial.
func (m *Machine) SetSerialWriter(w io.Writer) {
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

// SetButtons updates which joypad buttons are currently held; takes effect
// on the next Step/StepFrame call.
func (m *Machine) SetButtons(b Buttons) {
	m.buttons = b
	if m.bus != nil {
		m.bus.SetJoypadState(b.mask())
	}
}

// SetUseFetcherBG is kept for host-API compatibility; the PPU's pixel FIFO
// is now the only background renderer, so this is a no-op.
func (m *Machine) SetUseFetcherBG(bool) {}

// StepFrame runs exactly one video frame (cyclesPerFrame T-cycles) and
// leaves a fresh RGBA8888 framebuffer available via Framebuffer.
func (m *Machine) StepFrame() {
	m.stepCycles(cyclesPerFrame)
}

// StepFrameNoRender behaves like StepFrame; kept distinct for callers (test
// harnesses driving thousands of frames) that want to name their intent
// even though the PPU always renders as it reaches each scanline.
func (m *Machine) StepFrameNoRender() {
	m.stepCycles(cyclesPerFrame)
}

func (m *Machine) stepCycles(budget int) {
	m.runBudget(budget, false)
}

// runBudget advances the CPU (and, via cpu.Step's own deferred bus.Tick,
// every ticked peripheral) until cycles consumed reach budget or, when
// stopOnFrame is set, until the PPU reports a completed frame — the
// "until cycles >= budget or frame_ready" loop of spec §4.10. Fires any
// installed PC/instruction/instruction-count breakpoints as it goes, and
// hands the cartridge's external RAM to the persist callback afterward.
func (m *Machine) runBudget(budget int, stopOnFrame bool) {
	if m.cpu == nil || m.bus == nil {
		return
	}
	for run := 0; run < budget; {
		if fn := m.pcCallbacks[m.cpu.PC]; fn != nil {
			fn(m.cpu.PC)
		}
		cyc := m.cpu.Step()
		if cyc <= 0 {
			cyc = 4
		}
		run += cyc
		if fn := m.instrCallbacks[m.cpu.LastOp]; fn != nil {
			fn(m.cpu.LastOp)
		}
		if m.instrCountFn != nil && m.cpu.InstrCount >= m.instrCountTarget {
			fn := m.instrCountFn
			m.instrCountFn = nil
			fn(m.cpu.InstrCount)
		}
		if stopOnFrame && m.bus.FrameReady() {
			break
		}
	}
	if m.persistRAM != nil {
		if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
			if data := bb.SaveRAM(); len(data) > 0 {
				m.persistRAM(data)
			}
		}
	}
}

// Step is the facade's spec §4.10/§6 entry point: given the current input
// state and an elapsed wall-clock duration, it computes a T-cycle budget
// scaled by the turbo factor and advances the simulation until that budget
// is exhausted or a frame completes, whichever comes first.
func (m *Machine) Step(inputs Buttons, dtMs float64) {
	m.SetButtons(inputs)
	turbo := m.turboScale
	if turbo <= 0 {
		turbo = 1
	}
	if dtMs < 0 {
		dtMs = 0
	}
	budget := int(cyclesPerSecond * (dtMs / 1000.0) * turbo)
	m.runBudget(budget, true)
}

// SetTurboSpeed sets the multiplier Step applies to its computed cycle
// budget. Per spec §6 the minimum supported speed is 0.25x; lower requests
// are clamped rather than rejected.
func (m *Machine) SetTurboSpeed(f float64) {
	if f < 0.25 {
		f = 0.25
	}
	m.turboScale = f
}

// Framebuffer returns the current RGBA8888 160x144 framebuffer. The slice
// is owned by the PPU and is overwritten on the next Step call; callers
// needing a snapshot across frames must copy it.
func (m *Machine) Framebuffer() []byte {
	if m.bus == nil {
		return nil
	}
	return m.bus.PPU().Framebuffer()
}

// ROMPath returns the path LoadROMFromFile loaded the current ROM from, or
// the empty string if the ROM was supplied directly via LoadCartridge.
func (m *Machine) ROMPath() string { return m.romPath }

// ROMTitle returns the cartridge header title, or the empty string if no
// ROM is loaded.
func (m *Machine) ROMTitle() string {
	if m.rom == nil {
		return ""
	}
	h, err := cart.ParseHeader(m.rom)
	if err != nil {
		return ""
	}
	return h.Title
}

// LoadBattery copies a previously saved image into the cartridge's external
// RAM. Only RAM bytes are restored; MBC3 clock registers are not part of the
// image. Reports whether the cartridge's mapper has external RAM support at
// all (ROM-only cartridges do not).
func (m *Machine) LoadBattery(data []byte) bool {
	if m.bus == nil {
		return false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return false
	}
	bb.LoadRAM(data)
	return true
}

// SaveBattery returns a copy of the cartridge's external RAM image and
// whether it is non-empty. The header's battery flag is not consulted: MBC2's
// built-in RAM is always reported, while ROM-only cartridges and carts
// without RAM report none.
func (m *Machine) SaveBattery() ([]byte, bool) {
	if m.bus == nil {
		return nil, false
	}
	bb, ok := m.bus.Cart().(cart.BatteryBacked)
	if !ok {
		return nil, false
	}
	data := bb.SaveRAM()
	return data, len(data) > 0
}

// SetPersistCallback installs a hook invoked with a copy of the cartridge's
// external RAM at the end of every StepFrame and Step call (when the
// cartridge has any RAM), letting a host flush saves without polling. RAM
// writes are not tracked, so the hook fires whether or not the RAM changed.
func (m *Machine) SetPersistCallback(fn func(data []byte)) { m.persistRAM = fn }

// APUBufferedStereo reports how many stereo frames are currently queued in
// the lock-free ring buffer, available for the host's audio callback to
// pull without blocking the emulation goroutine.
func (m *Machine) APUBufferedStereo() int {
	if m.bus == nil {
		return 0
	}
	return m.bus.APU().StereoAvailable()
}

// APUPullStereo drains up to max buffered stereo frames as interleaved
// int16 samples [L0,R0,L1,R1,...]. Safe to call concurrently with the
// goroutine driving StepFrame, per the single-writer/single-reader ring
// buffer contract.
func (m *Machine) APUPullStereo(max int) []int16 {
	if m.bus == nil {
		return nil
	}
	return m.bus.APU().PullStereo(max)
}

// APUCapBufferedStereo drops the oldest buffered frames until at most max
// remain, bounding host audio latency without a full flush.
func (m *Machine) APUCapBufferedStereo(max int) {
	if m.bus != nil {
		m.bus.APU().CapStereo(max)
	}
}

// APUClearAudioLatency discards all buffered stereo frames outright.
func (m *Machine) APUClearAudioLatency() {
	if m.bus != nil {
		m.bus.APU().ClearStereo()
	}
}

// SetLoggerCallback installs the fn(msg, severity) sink Config.Logger
// otherwise only accepts at construction time, letting a host attach or
// replace its log sink after the Machine already exists.
func (m *Machine) SetLoggerCallback(fn LoggerFunc) { m.cfg.Logger = fn }

// installDebugHooks wires the facade's data-write breakpoint dispatch into
// a freshly created Bus. Called everywhere a new *bus.Bus replaces m.bus,
// since the debug callback maps live on Machine, not Bus.
func (m *Machine) installDebugHooks() {
	if m.bus == nil {
		return
	}
	m.bus.SetWriteHook(func(addr uint16, value byte) {
		if fn := m.dataCallbacks[addr]; fn != nil {
			fn(addr, value)
		}
	})
}

// SetPCCallback invokes fn immediately before the instruction at pc is
// fetched. Debug-only; spec §6 set_pc_callback.
func (m *Machine) SetPCCallback(pc uint16, fn func(pc uint16)) {
	if m.pcCallbacks == nil {
		m.pcCallbacks = make(map[uint16]func(pc uint16))
	}
	m.pcCallbacks[pc] = fn
}

// SetInstructionCallback invokes fn immediately after an instruction whose
// opcode byte is op retires (the 0xCB byte itself for CB-table ops, not the
// byte following it). Debug-only; spec §6 set_instruction_callback.
func (m *Machine) SetInstructionCallback(op byte, fn func(op byte)) {
	if m.instrCallbacks == nil {
		m.instrCallbacks = make(map[byte]func(op byte))
	}
	m.instrCallbacks[op] = fn
}

// SetInstructionCountCallback invokes fn once, the first time the running
// retired-instruction count reaches n, then clears itself. Debug-only; spec
// §6 set_instruction_count_callback.
func (m *Machine) SetInstructionCountCallback(n uint64, fn func(n uint64)) {
	m.instrCountTarget = n
	m.instrCountFn = fn
}

// SetDataCallback invokes fn with the address and value of every CPU write
// to addr, before the write lands. Debug-only; spec §6 set_data_callback.
func (m *Machine) SetDataCallback(addr uint16, fn func(addr uint16, value byte)) {
	if m.dataCallbacks == nil {
		m.dataCallbacks = make(map[uint16]func(addr uint16, value byte))
	}
	m.dataCallbacks[addr] = fn
}

// ClearCallbacks drops every installed PC, instruction, instruction-count,
// and data-write breakpoint. Debug-only; spec §6 clear_callbacks.
func (m *Machine) ClearCallbacks() {
	m.pcCallbacks = nil
	m.instrCallbacks = nil
	m.dataCallbacks = nil
	m.instrCountFn = nil
	m.instrCountTarget = 0
}

// GetDisassemblyInfo decodes the instruction at addr in the currently
// loaded ROM image without touching emulator state. Debug-only; spec §4.11
// and §6 get_disassembly_info.
func (m *Machine) GetDisassemblyInfo(addr int) DisassemblyInfo {
	mnemonic, size, base := disasm.Decode(m.rom, addr)
	return DisassemblyInfo{Mnemonic: mnemonic, Size: size, Base: base}
}

// GetMemoryUse reports the size of each core-owned RAM region, for a
// debugger's memory-map display. Debug-only; spec §6 get_memory_use.
func (m *Machine) GetMemoryUse() MemoryUse {
	u := MemoryUse{WRAM: 0x2000, HRAM: 0x7F, VRAM: 0x2000, OAM: 0xA0}
	if m.bus != nil {
		if bb, ok := m.bus.Cart().(cart.BatteryBacked); ok {
			u.ExternalRAM = len(bb.SaveRAM())
		}
	}
	return u
}
