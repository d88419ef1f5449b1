package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	"github.com/w1xm/mumasp/telescope"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Hamlib return codes.
const (
	rprtOK       = 0
	rprtInvalid  = -1
	rprtNotImpl  = -4
	rprtIO       = -6
	rprtRejected = -9
	rprtBadArgs  = -22
)

// ListenRotctld accepts Hamlib rotctld clients on addr until ctx is done.
// Azimuth maps to phi and elevation to theta.
func (s *Server) ListenRotctld(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.Info("rotctld listening", zap.Stringer("addr", ln.Addr()))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutdown; closing rotctld socket")
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			go s.handleRotctld(ctx, conn)
		}
	})
	err = g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) handleRotctld(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))
	log.Info("accepted rotctld connection")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		// Two forms of command: single character, or "+\" followed by command name.
		cmd := scanner.Text()
		var args []string
		var extended bool
		if len(cmd) == 0 {
			continue
		} else if len(cmd) > 2 && cmd[0:2] == `+\` {
			extended = true
			parts := strings.Fields(cmd)
			cmd = parts[0][2:]
			args = parts[1:]
			fmt.Fprintf(conn, "%s:\n", cmd)
		} else if len(cmd) > 1 && cmd[0] == '\\' {
			parts := strings.Fields(cmd)
			cmd = parts[0][1:]
			args = parts[1:]
		} else {
			// Space after command is optional.
			args = strings.Fields(cmd[1:])
			cmd = string(cmd[0])
		}
		log.Debug("rotctld command", zap.String("command", cmd), zap.Strings("args", args))
		rprt := rprtNotImpl
		switch cmd {
		case "q", "Q", "quit":
			return
		case "_", "get_info":
			fmt.Fprintln(conn, "MuMaSP muon telescope")
			rprt = rprtOK
		case "1", "dump_caps":
			fmt.Fprint(conn, `Model name: MuMaSP
Mfg name: MuMaSP
Rot type: Az-El
Min Azimuth: -180.00
Max Azimuth: 180.00
Min Elevation: 0.00
Max Elevation: 180.00
Can set Position: Y
Can get Position: Y
Can Stop: Y
Can Park: Y
Can Reset: N
Can Move: N
Can get Info: Y
`)
			rprt = rprtOK
		case "S", "stop":
			// Moves are synchronous, so there is never anything to stop.
			extended = true // always print RPRT
			rprt = rprtOK
		case "K", "park":
			extended = true
			rprt = s.rotctldResult(log, s.execute(ctx, Command{Command: "reset"}))
		case "P", "set_pos":
			extended = true // always print RPRT
			if len(args) != 2 {
				rprt = rprtBadArgs
				break
			}
			az, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				rprt = rprtBadArgs
				break
			}
			el, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				rprt = rprtBadArgs
				break
			}
			phi := math.Mod(az, 360)
			if phi < 0 {
				phi += 360
			}
			rprt = s.rotctldResult(log, s.execute(ctx, Command{Command: "move", Theta: el, Phi: phi}))
		case "p", "get_pos":
			pos, ok := s.t.Position()
			if !ok {
				rprt = rprtRejected
				break
			}
			az := pos.Phi
			if az > 180 {
				az -= 360
			}
			if extended {
				fmt.Fprintf(conn, "Azimuth: %.6f\nElevation: %.6f\n", az, pos.Theta)
			} else {
				fmt.Fprintf(conn, "%.6f\n%.6f\n", az, pos.Theta)
			}
			rprt = rprtOK
		}
		if extended || rprt != rprtOK {
			fmt.Fprintf(conn, "RPRT %d\n", rprt)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("reading rotctld command", zap.Error(err))
	}
}

func (s *Server) rotctldResult(log *zap.Logger, err error) int {
	switch {
	case err == nil:
		return rprtOK
	case errors.Is(err, errReadOnly), errors.Is(err, telescope.ErrNotCalibrated):
		log.Warn("rotctld command rejected", zap.Error(err))
		return rprtRejected
	case errors.Is(err, telescope.ErrInvalidPosition):
		return rprtInvalid
	default:
		log.Error("rotctld command failed", zap.Error(err))
		return rprtIO
	}
}
