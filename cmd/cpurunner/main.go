// Command cpurunner drives a ROM headlessly through the emu.Machine facade
// and watches its serial port for a conformance test's pass/fail banner
// (the blargg/mooneye convention). Unlike a full host it never touches a
// framebuffer or an audio device; of the debug surface spec §6 exposes to
// tooling it uses SetPCCallback, GetDisassemblyInfo, and GetMemoryUse.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kestrelcore/dmgemu/internal/emu"
)

// serialRing keeps the last N bytes written to the serial port so a failed
// run can dump recent output without holding the whole stream in memory.
type serialRing struct {
	buf  []byte
	pos  int
	full bool
}

func newSerialRing(n int) *serialRing {
	if n < 256 {
		n = 256
	}
	return &serialRing{buf: make([]byte, n)}
}

func (r *serialRing) Write(p []byte) (int, error) {
	for _, b := range p {
		r.buf[r.pos] = b
		r.pos = (r.pos + 1) % len(r.buf)
		if r.pos == 0 {
			r.full = true
		}
	}
	return len(p), nil
}

func (r *serialRing) String() string {
	if !r.full {
		return string(r.buf[:r.pos])
	}
	return string(r.buf[r.pos:]) + string(r.buf[:r.pos])
}

func main() {
	romPath := flag.String("rom", "", "path to ROM (.gb)")
	bootPath := flag.String("bootrom", "", "optional DMG boot ROM to run from 0x0000 until FF50 disables it")
	frames := flag.Int("frames", 3600, "max frames to step (60fps budget per frame)")
	until := flag.String("until", "Passed", "stop when serial output contains this substring (case-insensitive); empty to disable")
	auto := flag.Bool("auto", false, "auto-detect 'Passed' or 'Failed N tests' in serial output and exit with code 0/1")
	timeout := flag.Duration("timeout", 0, "optional wall-clock timeout (e.g. 30s, 2m); 0 disables")
	breakPC := flag.Int("breakpc", -1, "print a disassembly + memory-use snapshot the first time this PC is reached (-1 disables)")
	serialWindow := flag.Int("serialWindow", 8192, "number of recent serial bytes to retain for diagnostics on fail")
	flag.Parse()

	if *romPath == "" {
		log.Fatal("-rom is required")
	}
	rom, err := os.ReadFile(*romPath)
	if err != nil {
		log.Fatalf("read rom: %v", err)
	}
	var boot []byte
	if *bootPath != "" {
		boot, err = os.ReadFile(*bootPath)
		if err != nil {
			log.Fatalf("read bootrom: %v", err)
		}
	}

	m := emu.New(emu.Config{})
	if err := m.LoadCartridge(rom, boot); err != nil {
		log.Fatalf("load cartridge: %v", err)
	}

	var ser bytes.Buffer
	ring := newSerialRing(*serialWindow)
	w := io.Writer(os.Stdout)
	if *until != "" || *auto {
		w = io.MultiWriter(os.Stdout, &ser, ring)
	}
	m.SetSerialWriter(w)

	if *breakPC >= 0 {
		pc := uint16(*breakPC)
		m.SetPCCallback(pc, func(pc uint16) {
			info := m.GetDisassemblyInfo(int(pc))
			mem := m.GetMemoryUse()
			fmt.Printf("\n--- breakpoint hit: PC=%#04x %s (size=%d) --- wram=%d hram=%d vram=%d oam=%d\n",
				pc, info.Mnemonic, info.Size, mem.WRAM, mem.HRAM, mem.VRAM, mem.OAM)
		})
	}

	start := time.Now()
	var deadline time.Time
	if *timeout > 0 {
		deadline = start.Add(*timeout)
	}
	failRe := regexp.MustCompile(`(?i)failed\s+(\d+)\s+tests?`)
	stageRe := regexp.MustCompile(`\b(\d{2}:\d{2})\b`)
	lastStage := ""

	for i := 0; i < *frames; i++ {
		m.StepFrame()

		if *auto {
			s := ser.String()
			if mm := stageRe.FindAllString(s, -1); len(mm) > 0 {
				lastStage = mm[len(mm)-1]
			}
			if strings.Contains(strings.ToLower(s), "passed") {
				fmt.Printf("\nDetected PASS in serial output.\n")
				reportStage(lastStage)
				reportDone(i+1, start)
				os.Exit(0)
			}
			if mm := failRe.FindStringSubmatch(s); mm != nil {
				fmt.Printf("\nDetected %s in serial output.\n", mm[0])
				reportStage(lastStage)
				fmt.Printf("\n--- recent serial ---\n%s\n--- end serial ---\n", ring.String())
				reportDone(i+1, start)
				os.Exit(1)
			}
		} else if *until != "" {
			if strings.Contains(strings.ToLower(ser.String()), strings.ToLower(*until)) {
				fmt.Printf("\nDetected '%s' in serial output.\n", *until)
				reportDone(i+1, start)
				return
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			fmt.Printf("\nTimeout after %s.\n", time.Since(start).Truncate(time.Millisecond))
			reportDone(i+1, start)
			os.Exit(2)
		}
	}
	reportDone(*frames, start)
}

func reportStage(stage string) {
	if stage != "" {
		fmt.Printf("Last stage seen: %s\n", stage)
	}
}

func reportDone(frames int, start time.Time) {
	fmt.Printf("\nDone: frames=%d elapsed=%s\n", frames, time.Since(start).Truncate(time.Millisecond))
}
