// Package gpio exposes the two primitives the gate needs: drive an output line
// and sample an input line. Values are 0 or 1.
package gpio

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

type Output interface {
	Set(value int) error
}

type Input interface {
	Read() (int, error)
}

// SysfsPin drives a line exported under /sys/class/gpio/gpioN/value.
type SysfsPin struct {
	path string
}

func NewSysfsPin(path string) *SysfsPin {
	return &SysfsPin{path: path}
}

func (p *SysfsPin) Set(value int) error {
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(value)), 0o644); err != nil {
		return fmt.Errorf("gpio write %s: %w", p.path, err)
	}
	return nil
}

func (p *SysfsPin) Read() (int, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("gpio read %s: %w", p.path, err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("gpio read %s: %w", p.path, err)
	}
	return v, nil
}

// MemoryPin is an in-process line for development boards without GPIO and
// for tests. Every Set is recorded.
type MemoryPin struct {
	mu     sync.Mutex
	value  int
	writes []int
}

func NewMemoryPin() *MemoryPin {
	return &MemoryPin{}
}

func (p *MemoryPin) Set(value int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = value
	p.writes = append(p.writes, value)
	return nil
}

func (p *MemoryPin) Read() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, nil
}

func (p *MemoryPin) Value() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

func (p *MemoryPin) Writes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.writes...)
}
