// Package journal records the text protocol exchanged with devices as a
// CBOR stream, one Entry per command write or response notification.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction of a journaled payload.
type Direction uint8

const (
	DirectionTx Direction = iota + 1 // central to device
	DirectionRx                      // device to central
)

func (d Direction) String() string {
	switch d {
	case DirectionTx:
		return "tx"
	case DirectionRx:
		return "rx"
	default:
		return "unknown"
	}
}

// Entry is one journaled payload. Integer keys keep the stream compact.
type Entry struct {
	Time           time.Time `cbor:"1,keyasint"`
	Peripheral     string    `cbor:"2,keyasint"`
	Direction      Direction `cbor:"3,keyasint"`
	Characteristic string    `cbor:"4,keyasint,omitempty"`
	Data           []byte    `cbor:"5,keyasint"`
	Epoch          string    `cbor:"6,keyasint,omitempty"` // scan epoch the entry belongs to
}

// Journal receives protocol entries.
type Journal interface {
	Record(e Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(Entry) {}

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("journal: CBOR encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("journal: CBOR decoder mode: %v", err))
	}
}

// FileJournal appends entries to a file. It is safe for concurrent use.
type FileJournal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
}

// Open creates or appends to the journal at path.
func Open(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &FileJournal{file: f, encoder: encMode.NewEncoder(f)}, nil
}

// Record writes e. Encoding errors are dropped so tracing never disturbs a
// device session.
func (j *FileJournal) Record(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	_ = j.encoder.Encode(e)
}

// Close closes the file. Later Record calls are ignored.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// Compile-time interface satisfaction checks.
var (
	_ Journal = (*FileJournal)(nil)
	_ Journal = Nop{}
)

// Reader decodes entries from a journal stream.
type Reader struct {
	dec *cbor.Decoder
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: decMode.NewDecoder(r)}
}

// Next returns the next entry, or io.EOF at the end of the stream.
func (r *Reader) Next() (Entry, error) {
	var e Entry
	if err := r.dec.Decode(&e); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("journal: decode: %w", err)
	}
	return e, nil
}

// ReadAll decodes every entry in r.
func ReadAll(r io.Reader) ([]Entry, error) {
	jr := NewReader(r)
	var out []Entry
	for {
		e, err := jr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
}
