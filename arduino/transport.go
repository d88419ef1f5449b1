package arduino

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/tarm/serial"
)

// Transport carries one request to the device and returns everything the
// device sent back. Every call is an independent session; implementations
// hold no connection between calls.
type Transport interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, request []byte) ([]byte, error)

func (f TransportFunc) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// TCPTransport opens a fresh TCP connection for every request and reads
// until the device closes it. Timeout bounds the dial and each read.
type TCPTransport struct {
	Addr    string
	Timeout time.Duration
}

func (t *TCPTransport) String() string { return "tcp://" + t.Addr }

func (t *TCPTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	dialer := &net.Dialer{
		Timeout: t.Timeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", t.Addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn.SetWriteDeadline(time.Now().Add(t.Timeout))
	if _, err := conn.Write(request); err != nil {
		return nil, err
	}
	var response bytes.Buffer
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(t.Timeout))
		n, err := conn.Read(buf)
		response.Write(buf[:n])
		if err == io.EOF {
			return response.Bytes(), nil
		}
		if err != nil {
			return response.Bytes(), err
		}
	}
}

// SerialTransport speaks the same command protocol over a serial link. A
// serial line has no end-of-session signal, so a response is complete once
// the line stays quiet for Quiet after the first byte arrives.
type SerialTransport struct {
	Name    string
	Baud    int
	Timeout time.Duration
	// Quiet defaults to 200ms.
	Quiet time.Duration
}

func (t *SerialTransport) String() string { return "serial://" + t.Name }

type timeoutError struct{ op string }

func (e timeoutError) Error() string { return e.op + ": i/o timeout" }
func (e timeoutError) Timeout() bool { return true }

func (t *SerialTransport) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	quiet := t.Quiet
	if quiet <= 0 {
		quiet = 200 * time.Millisecond
	}
	c := &serial.Config{Name: t.Name, Baud: t.Baud, ReadTimeout: quiet}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", t.Name, err)
	}
	defer s.Close()
	if err := s.Flush(); err != nil {
		return nil, err
	}
	if _, err := s.Write(request); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(t.Timeout)
	var response bytes.Buffer
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return response.Bytes(), err
		}
		n, err := s.Read(buf)
		response.Write(buf[:n])
		// A read timeout surfaces as io.EOF with no data.
		if err != nil && !errors.Is(err, io.EOF) {
			return response.Bytes(), err
		}
		if n > 0 {
			continue
		}
		if response.Len() > 0 {
			return response.Bytes(), nil
		}
		if time.Now().After(deadline) {
			return nil, timeoutError{op: "read " + t.Name}
		}
	}
}

// isTimeout reports whether err means the device did not answer in time.
func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
