package sensor

import (
	"context"
	"errors"
	"sync"
)

// Simulator is an in-memory fingerprint module. Fingers are opaque labels:
// Present queues presentations and each successful ReadImage consumes one.
// Two captures match when they carry the same label.
type Simulator struct {
	mu        sync.Mutex
	queue     []string
	image     string
	buffers   map[Buffer]string
	templates []string // slot -> label, "" when free
	fault     error
	closed    bool

	reads   int
	history []string
}

func NewSimulator(capacity int) *Simulator {
	return &Simulator{
		buffers:   make(map[Buffer]string),
		templates: make([]string, capacity),
	}
}

// Present queues finger presentations in order.
func (s *Simulator) Present(fingers ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, fingers...)
}

// Enroll stores a template directly, as if it had been enrolled earlier.
func (s *Simulator) Enroll(slot int, finger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[slot] = finger
}

// Fail makes every subsequent operation return err until cleared with nil.
func (s *Simulator) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

// Ops returns the names of operations issued so far.
func (s *Simulator) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

func (s *Simulator) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *Simulator) begin(op string) error {
	s.history = append(s.history, op)
	if s.closed {
		return errors.New("sensor handle closed")
	}
	return s.fault
}

func (s *Simulator) ReadImage() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if err := s.begin("read"); err != nil {
		return false, err
	}
	if len(s.queue) == 0 {
		return false, nil
	}
	s.image, s.queue = s.queue[0], s.queue[1:]
	return true, nil
}

func (s *Simulator) ConvertImage(buf Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("convert"); err != nil {
		return err
	}
	if s.image == "" {
		return errors.New("no image captured")
	}
	s.buffers[buf] = s.image
	return nil
}

func (s *Simulator) SearchTemplate() (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("search"); err != nil {
		return -1, 0, err
	}
	for slot, label := range s.templates {
		if label != "" && label == s.buffers[Buffer1] {
			return slot, 100, nil
		}
	}
	return -1, 0, nil
}

func (s *Simulator) CompareCharacteristics() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("compare"); err != nil {
		return 0, err
	}
	if s.buffers[Buffer1] != "" && s.buffers[Buffer1] == s.buffers[Buffer2] {
		return 100, nil
	}
	return 0, nil
}

func (s *Simulator) StoreTemplate() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("store"); err != nil {
		return -1, err
	}
	for slot, label := range s.templates {
		if label == "" {
			s.templates[slot] = s.buffers[Buffer1]
			return slot, nil
		}
	}
	return -1, errors.New("template store full")
}

func (s *Simulator) ClearDatabase() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("clear"); err != nil {
		return err
	}
	for i := range s.templates {
		s.templates[i] = ""
	}
	return nil
}

func (s *Simulator) TemplateCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("count"); err != nil {
		return 0, err
	}
	n := 0
	for _, label := range s.templates {
		if label != "" {
			n++
		}
	}
	return n, nil
}

func (s *Simulator) StorageCapacity() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin("capacity"); err != nil {
		return 0, err
	}
	return len(s.templates), nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Dialer hands out the simulator on every dial. The returned handle reopens
// the device, mirroring a fresh serial connection to the same module.
func (s *Simulator) Dialer() Dialer {
	return DialerFunc(func(ctx context.Context) (Device, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fault != nil {
			return nil, s.fault
		}
		s.closed = false
		return s, nil
	})
}
