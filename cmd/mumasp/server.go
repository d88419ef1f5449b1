package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/w1xm/mumasp/measurement"
	"github.com/w1xm/mumasp/telescope"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errReadOnly = errors.New("scan in progress; commands are disabled")

// Snapshot is what the status endpoints publish.
type Snapshot struct {
	Telescope telescope.Status      `json:"telescope"`
	Scan      *measurement.Progress `json:"scan,omitempty"`
	// Error is the result of the last failed command.
	Error string `json:"error,omitempty"`
}

type Server struct {
	log     *zap.Logger
	metrics http.Handler

	// mu serializes commands to the telescope.
	mu       sync.Mutex
	t        *telescope.Telescope
	readOnly bool

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	seq        uint64
	snapshot   Snapshot
}

func NewServer(log *zap.Logger, metrics http.Handler) *Server {
	s := &Server{log: log, metrics: metrics, seq: 1}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

// SetReadOnly rejects pointing commands, for use while a scan owns the
// telescope.
func (s *Server) SetReadOnly(readOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = readOnly
}

func (s *Server) update(f func(snap *Snapshot)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	f(&s.snapshot)
	s.seq++
	s.statusCond.Broadcast()
}

func (s *Server) statusCallback(status telescope.Status) {
	s.update(func(snap *Snapshot) { snap.Telescope = status })
}

func (s *Server) progressCallback(p measurement.Progress) {
	s.update(func(snap *Snapshot) { snap.Scan = &p })
}

func (s *Server) Snapshot() Snapshot {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.snapshot
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

// ListenAndServe serves Handler on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("Status server listening", zap.Stringer("addr", ln.Addr()))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
		s.log.Warn("writing status", zap.Error(err))
	}
}

type Command struct {
	Command string  `json:"command"`
	Theta   float64 `json:"theta"`
	Phi     float64 `json:"phi"`
}

func (s *Server) execute(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return errReadOnly
	}
	switch cmd.Command {
	case "calibrate":
		return s.t.Calibrate(ctx)
	case "move":
		return s.t.MoveTo(ctx, telescope.Position{Theta: cmd.Theta, Phi: cmd.Phi})
	case "reset":
		return s.t.Reset(ctx)
	case "clear_buffer":
		return s.t.ClearBuffer(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd.Command)
}

// StatusSocketHandler pushes a Snapshot on every change and accepts
// Commands. Command failures are reported in Snapshot.Error.
func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	// Wake the writer below when the connection goes away.
	stop := context.AfterFunc(ctx, func() {
		s.statusMu.Lock()
		s.statusCond.Broadcast()
		s.statusMu.Unlock()
	})
	defer stop()

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			s.log.Info("websocket command", zap.String("command", msg.Command), zap.Stringer("remote", conn.RemoteAddr()))
			err := s.execute(ctx, msg)
			s.update(func(snap *Snapshot) {
				snap.Error = ""
				if err != nil {
					snap.Error = err.Error()
				}
			})
		}
	}()

	var last uint64
	for {
		s.statusMu.RLock()
		for s.seq == last && ctx.Err() == nil {
			s.statusCond.Wait()
		}
		snap, seq := s.snapshot, s.seq
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		last = seq
		if err := conn.WriteJSON(snap); err != nil {
			s.log.Warn("websocket write", zap.Error(err))
			return
		}
	}
}
