// Package console implements spec §4.L: a major-number keyed device table
// and the console device itself, with line-buffered input editing and
// dual screen/serial output under one lock. Grounded on
// biscuit/src/kernel/main.go's cons_t and its keyboard/COM1 interrupt
// wiring (device-table registration, one goroutine per interrupt source),
// translated from its interrupt-fed channels to a hosted io.Reader/
// io.Writer pair, and on original_source/xv6's console.c for the line
// discipline itself (backspace and line-kill). Ctrl-D gets no special
// handling: it is buffered into the pending line like any other byte.
package console

import (
	"bufio"
	"io"
	"sync"

	"gophix/internal/defs"
)

// Device is one entry in the device table: a major number and the
// read/write closures that implement it, the same shape biscuit's devsw
// array uses (function pointers keyed by major number) but expressed as
// Go closures rather than a raw array of syscall-ABI pointers.
type Device struct {
	Major int
	Read  func(dst []byte) (int, defs.Err_t)
	Write func(src []byte) (int, defs.Err_t)
}

// Table is the major-number keyed dispatch table, spec §3's devsw.
type Table struct {
	mu      sync.RWMutex
	devices map[int]*Device
}

func NewTable() *Table {
	return &Table{devices: make(map[int]*Device)}
}

// Register installs dev under its own major number, panicking on a
// duplicate registration since two drivers sharing a major number is
// always a configuration bug caught at boot, not a runtime condition.
func (t *Table) Register(dev *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[dev.Major]; ok {
		panic("console: duplicate device major number")
	}
	t.devices[dev.Major] = dev
}

// Lookup returns the device registered under major, or ENODEV.
func (t *Table) Lookup(major int) (*Device, defs.Err_t) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	dev, ok := t.devices[major]
	if !ok {
		return nil, defs.ENODEV
	}
	return dev, 0
}

// MajorConsole is the well-known major number for the console device,
// matching xv6's CONSOLE constant.
const MajorConsole = 1

const inputBufSize = 128

// Console is the line-editing terminal device of spec §4.L: input is
// buffered a line at a time (backspace edits the pending line, newline
// flushes it to any blocked reader) and output goes to both an on-screen
// writer and a serial writer under a single lock, so interleaved writers
// never tear a line across the two sinks.
type Console struct {
	mu sync.Mutex

	in    *bufio.Reader
	line  chan string
	pend  []byte

	screen io.Writer
	serial io.Writer
}

// New builds a console reading lines from in and duplicating output to
// both screen and serial (either may be io.Discard if unused).
func New(in io.Reader, screen, serial io.Writer) *Console {
	c := &Console{
		in:     bufio.NewReader(in),
		line:   make(chan string, inputBufSize),
		screen: screen,
		serial: serial,
	}
	go c.pump()
	return c
}

// pump reads raw input and applies xv6's console line-editing rules:
// backspace (0x08 or 0x7f) erases the last pending rune, Ctrl-U (0x15)
// erases the whole pending line, and a newline flushes the accumulated line
// to any waiting reader, echoing each to the screen as it goes.
func (c *Console) pump() {
	for {
		b, err := c.in.ReadByte()
		if err != nil {
			close(c.line)
			return
		}
		c.mu.Lock()
		switch b {
		case 0x08, 0x7f:
			if len(c.pend) > 0 {
				c.pend = c.pend[:len(c.pend)-1]
				io.WriteString(c.screen, "\b \b")
			}
		case 0x15:
			for len(c.pend) > 0 {
				c.pend = c.pend[:len(c.pend)-1]
				io.WriteString(c.screen, "\b \b")
			}
		case '\n', '\r':
			line := string(c.pend)
			c.pend = c.pend[:0]
			io.WriteString(c.screen, "\n")
			c.mu.Unlock()
			c.line <- line
			continue
		default:
			c.pend = append(c.pend, b)
			c.screen.Write([]byte{b})
		}
		c.mu.Unlock()
	}
}

// Read returns one buffered line with a trailing newline appended, blocking
// until a full line is available or the input source is closed.
func (c *Console) Read(dst []byte) (int, defs.Err_t) {
	line, ok := <-c.line
	if !ok {
		return 0, 0 // EOF: input source closed
	}
	line += "\n"
	n := copy(dst, line)
	return n, 0
}

// Write sends src to both the screen and the serial sink as one atomic
// operation under the console lock, matching original_source/xv6's cons
// struct holding its single spinlock across cprintf/consputc.
func (c *Console) Write(src []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.screen.Write(src)
	c.serial.Write(src)
	return len(src), 0
}

// AsDevice wraps c as a console.Device registered under MajorConsole, for
// installation into a Table.
func (c *Console) AsDevice() *Device {
	return &Device{Major: MajorConsole, Read: c.Read, Write: c.Write}
}
