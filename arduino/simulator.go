package arduino

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BufferCapacity is the number of triggers the firmware can hold between
// reads. Triggers arriving at a full buffer are lost.
const BufferCapacity = 1000

// homeSteps is where calibration leaves each axis: phi 0, theta 90 degrees.
var homeSteps = [2]int{0, StepsPerRev / 4}

const simulatorHelp = `MuMaSP telescope (simulated)
?                this help
x                clear trigger buffer
n                number of triggers in buffer
h                print and clear trigger buffer
c<a>             calibrate axis a (0=phi, 1=theta)
m<a>,<steps>     move axis a to absolute step position
r                read clock (Y,M,D,H,Min,S)
s<Y,M,D,H,Min,S> set clock`

// Simulator is a fake telescope microcontroller. It answers the full command
// set either in-process (RoundTrip) or over TCP (Serve), one command per
// connection like the real firmware.
type Simulator struct {
	log *zap.Logger

	mu          sync.Mutex
	epoch       time.Time
	lastStamp   int64
	buffer      []int64
	overflows   int
	steps       [2]int
	calibrated  [2]bool
	endSwitch   [2]bool // true simulates a missing end switch
	moveReply   string
	clockOffset time.Duration
	rate        float64
	commands    []string
}

func NewSimulator(log *zap.Logger) *Simulator {
	return &Simulator{
		log:       log,
		epoch:     time.Now(),
		moveReply: replyOK,
	}
}

// Inject appends n triggers with increasing timestamps (milliseconds since
// the simulator started).
func (s *Simulator) Inject(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inject(n)
}

func (s *Simulator) inject(n int) {
	for i := 0; i < n; i++ {
		stamp := time.Since(s.epoch).Milliseconds()
		if stamp <= s.lastStamp {
			stamp = s.lastStamp + 1
		}
		s.lastStamp = stamp
		if len(s.buffer) >= BufferCapacity {
			s.overflows++
			continue
		}
		s.buffer = append(s.buffer, stamp)
	}
}

// SetRate makes Serve generate triggers at the given rate per second.
func (s *Simulator) SetRate(perSecond float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = perSecond
}

// SetEndSwitchMissing makes calibration of axis fail with -3.
func (s *Simulator) SetEndSwitchMissing(axis Axis, missing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endSwitch[axis] = missing
}

// SetMoveReply sets the reply to move commands, "0" by default.
func (s *Simulator) SetMoveReply(reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveReply = reply
}

// Commands returns every command received so far.
func (s *Simulator) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// ResetCommands forgets the received commands.
func (s *Simulator) ResetCommands() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = nil
}

// StepPosition returns the last step target accepted for axis.
func (s *Simulator) StepPosition(axis Axis) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[axis]
}

// Overflows returns how many triggers were dropped on a full buffer.
func (s *Simulator) Overflows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflows
}

// Handle answers one command line.
func (s *Simulator) Handle(command string) string {
	command = strings.TrimSpace(command)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, command)
	if command == "" {
		return "-1"
	}
	args := command[1:]
	switch command[0] {
	case '?':
		return simulatorHelp
	case 'x':
		s.buffer = s.buffer[:0]
		return replyOK
	case 'n':
		return strconv.Itoa(len(s.buffer))
	case 'h':
		lines := make([]string, 0, len(s.buffer)+1)
		lines = append(lines, strconv.Itoa(len(s.buffer)))
		for _, stamp := range s.buffer {
			lines = append(lines, strconv.FormatInt(stamp, 10))
		}
		s.buffer = s.buffer[:0]
		return strings.Join(lines, "\r\n")
	case 'c':
		axis, err := parseAxis(args)
		if err != nil {
			return "-1"
		}
		if s.endSwitch[axis] {
			s.calibrated[axis] = false
			return replyEndSwitchMissing
		}
		s.calibrated[axis] = true
		s.steps[axis] = homeSteps[axis]
		return replyOK
	case 'm':
		parts := strings.Split(args, ",")
		if len(parts) != 2 {
			return "-1"
		}
		axis, err := parseAxis(parts[0])
		if err != nil {
			return "-1"
		}
		steps, err := strconv.Atoi(parts[1])
		// A full turn is the same as step 0; angles just below 360 round up to it.
		if err != nil || steps < 0 || steps > StepsPerRev {
			return "-2"
		}
		steps %= StepsPerRev
		if !s.calibrated[axis] {
			return "-4"
		}
		if s.moveReply == replyOK {
			s.steps[axis] = steps
		}
		return s.moveReply
	case 'r':
		return DeviceTimeOf(time.Now().Add(s.clockOffset)).String()
	case 's':
		dt, err := ParseDeviceTime(args)
		if err != nil || dt.Validate() != nil {
			return "-1"
		}
		s.clockOffset = time.Until(dt.Time())
		return replyOK
	}
	return "-1"
}

func parseAxis(s string) (Axis, error) {
	switch s {
	case "0":
		return AxisPhi, nil
	case "1":
		return AxisTheta, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// RoundTrip lets the simulator stand in for a Transport.
func (s *Simulator) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte(s.Handle(string(request))), nil
}

func (s *Simulator) String() string { return "simulator" }

// Serve answers commands on ln until ctx is canceled, generating triggers at
// the configured rate in the background.
func (s *Simulator) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Wait for context to be canceled, then close the listener.
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting: %w", err)
			}
			go s.serveConn(conn)
		}
	})
	g.Go(func() error {
		return s.generate(ctx)
	})
	err := g.Wait()
	if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and calls Serve.
func (s *Simulator) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("Simulator listening", zap.Stringer("addr", ln.Addr()))
	return s.Serve(ctx, ln)
}

func (s *Simulator) serveConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		s.log.Warn("reading command", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	response := s.Handle(line)
	s.log.Debug("sim->host", zap.String("command", strings.TrimSpace(line)), zap.String("response", response))
	if _, err := fmt.Fprintf(conn, "%s\r\n", response); err != nil {
		s.log.Warn("writing response", zap.Error(err))
	}
}

const generateStep = 100 * time.Millisecond

func (s *Simulator) generate(ctx context.Context) error {
	t := time.NewTicker(generateStep)
	defer t.Stop()
	var carry float64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		s.mu.Lock()
		carry += s.rate * generateStep.Seconds()
		n := int(carry)
		carry -= float64(n)
		s.inject(n)
		s.mu.Unlock()
	}
}
