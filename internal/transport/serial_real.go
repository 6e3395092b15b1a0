package transport

import (
	"sync"
	"time"

	"github.com/tarm/serial"
)

// txBufferBytes models the host-attached UART's TX FIFO depth for the
// purpose of TxAvailable(): the real hardware's "bytes of free TX buffer
// space" has no equivalent exposed by a host serial library, so Serial
// counts a line's bytes against an assumed FIFO depth only while its
// blocking Write is in progress. There is no background drain: once Write
// returns the count drops back, so between writes TxAvailable reports the
// full depth.
const txBufferBytes = 256

// Serial is the real Transport backend for a host-attached serial link
// (spec §6: 921,600 baud, 8-N-1, CRLF-tolerant).
type Serial struct {
	port *serial.Port

	mu      sync.Mutex
	inFlight int
}

// OpenSerial opens device at baud as a Transport.
func OpenSerial(device string, baud int) (*Serial, error) {
	p, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: time.Millisecond})
	if err != nil {
		return nil, err
	}
	return &Serial{port: p}, nil
}

func (s *Serial) WriteLine(line string) error {
	payload := []byte(line + "\r\n")
	s.mu.Lock()
	s.inFlight += len(payload)
	s.mu.Unlock()
	n, err := s.port.Write(payload)
	s.mu.Lock()
	s.inFlight -= n
	if s.inFlight < 0 {
		s.inFlight = 0
	}
	s.mu.Unlock()
	return err
}

func (s *Serial) ReadByte() (byte, bool) {
	var b [1]byte
	n, err := s.port.Read(b[:])
	if err != nil || n == 0 {
		return 0, false
	}
	return b[0], true
}

// TxAvailable reports the estimated free space in the modeled TX buffer.
func (s *Serial) TxAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := txBufferBytes - s.inFlight
	if free < 0 {
		return 0
	}
	return free
}

// Close closes the underlying port.
func (s *Serial) Close() error {
	return s.port.Close()
}
