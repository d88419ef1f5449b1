package arduino

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// CommandObserver is told about every command sent over a Channel.
// outcome is one of "ok", "timeout" or "error".
type CommandObserver interface {
	ObserveCommand(command string, d time.Duration, outcome string)
}

// Channel sends single text commands to the telescope. It is stateless:
// each Send is a complete session on the underlying Transport.
type Channel struct {
	transport Transport
	log       *zap.Logger
	observer  CommandObserver
}

type ChannelOption func(*Channel)

// WithObserver reports each command to o.
func WithObserver(o CommandObserver) ChannelOption {
	return func(c *Channel) { c.observer = o }
}

func NewChannel(transport Transport, log *zap.Logger, opts ...ChannelOption) *Channel {
	c := &Channel{transport: transport, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) String() string {
	if s, ok := c.transport.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", c.transport)
}

// Send writes command followed by CRLF and returns the trimmed response.
//
// A device that does not answer within the transport timeout is not an
// error: the failure is logged and the response is "". Callers treat an
// empty response as "no data". Any other transport failure is returned.
// There are no retries.
func (c *Channel) Send(ctx context.Context, command string) (string, error) {
	start := time.Now()
	raw, err := c.transport.RoundTrip(ctx, []byte(command+"\r\n"))
	outcome := "ok"
	defer func() {
		if c.observer != nil {
			c.observer.ObserveCommand(commandName(command), time.Since(start), outcome)
		}
	}()
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = "error"
		return "", ctx.Err()
	case isTimeout(err):
		outcome = "timeout"
		c.log.Error("No response from telescope. Are you sure it is connected?",
			zap.String("command", command), zap.Stringer("device", c), zap.Error(err))
		return "", nil
	default:
		outcome = "error"
		return "", fmt.Errorf("sending %q: %w", command, err)
	}
	response := strings.TrimSpace(decodeUTF8(raw))
	c.log.Debug("command", zap.String("command", command), zap.String("response", response))
	return response, nil
}

// commandName is the command letter, used as a low-cardinality label.
func commandName(command string) string {
	if command == "" {
		return ""
	}
	return command[:1]
}

// decodeUTF8 replaces each maximal invalid subsequence of raw with U+FFFD,
// so a truncated multi-byte sequence yields one replacement and every other
// stray byte yields its own.
func decodeUTF8(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	var b strings.Builder
	b.Grow(len(raw) + 8)
	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRune(raw[i:])
		if r != utf8.RuneError || size > 1 {
			b.Write(raw[i : i+size])
			i += size
			continue
		}
		b.WriteRune(utf8.RuneError)
		i += invalidPrefixLen(raw[i:])
	}
	return b.String()
}

// invalidPrefixLen is the length of the maximal subpart at the start of p,
// which does not begin with a valid encoding.
func invalidPrefixLen(p []byte) int {
	var n int
	lo, hi := byte(0x80), byte(0xbf)
	switch c := p[0]; {
	case c >= 0xc2 && c <= 0xdf:
		n = 2
	case c == 0xe0:
		n, lo = 3, 0xa0
	case c == 0xed:
		n, hi = 3, 0x9f
	case c >= 0xe1 && c <= 0xef:
		n = 3
	case c == 0xf0:
		n, lo = 4, 0x90
	case c >= 0xf1 && c <= 0xf3:
		n = 4
	case c == 0xf4:
		n, hi = 4, 0x8f
	default:
		return 1
	}
	i := 1
	if i < len(p) && p[i] >= lo && p[i] <= hi {
		i++
		for i < n && i < len(p) && p[i] >= 0x80 && p[i] <= 0xbf {
			i++
		}
	}
	return i
}
