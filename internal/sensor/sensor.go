// Package sensor owns the fingerprint module: the device contract consumed by
// the controller, the guard that serializes every physical operation, and an
// in-memory simulator.
package sensor

import "context"

// Buffer selects one of the module's two characteristic buffers.
type Buffer byte

const (
	Buffer1 Buffer = 0x01
	Buffer2 Buffer = 0x02
)

// Device is the opaque operation set of an optical fingerprint module. Calls
// are synchronous serial round trips and are never safe for concurrent use.
type Device interface {
	// ReadImage reports whether a finger is on the glass and captures its image.
	ReadImage() (bool, error)
	// ConvertImage turns the last captured image into a template in buf.
	ConvertImage(buf Buffer) error
	// SearchTemplate looks up Buffer1 in the on-device store. Slot is -1 when
	// nothing matched.
	SearchTemplate() (slot int, score int, err error)
	// CompareCharacteristics scores Buffer1 against Buffer2. Zero means no match.
	CompareCharacteristics() (int, error)
	// StoreTemplate merges both buffers and stores the result, returning its slot.
	StoreTemplate() (int, error)
	ClearDatabase() error
	TemplateCount() (int, error)
	StorageCapacity() (int, error)
	Close() error
}

// Dialer opens a handle and completes the handshake, including the password
// check. A rejected password must be reported as domain.ErrAuthentication.
type Dialer interface {
	Dial(ctx context.Context) (Device, error)
}

type DialerFunc func(ctx context.Context) (Device, error)

func (f DialerFunc) Dial(ctx context.Context) (Device, error) { return f(ctx) }
