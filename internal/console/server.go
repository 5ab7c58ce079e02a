package console

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// Handler answers one command frame with a response frame, the
// collaborator the original's REPL.process provided. Returning an
// error closes the connection.
type Handler func(ctx context.Context, connID int64, cmd []byte) ([]byte, error)

// Server listens on a UNIX-domain socket and frames each connection's
// traffic through ReadFrame/WriteFrame, dispatching each received
// frame to Handle. Grounded on original_source/console.py's Console:
// the original multiplexes every connection through one select() loop
// and a per-connection BufSocket state machine; this adaptation instead
// gives each connection its own goroutine and blocking reads, which is
// the idiomatic Go replacement for that multiplexing — same contract
// (accept, frame, dispatch, close on error), different mechanism.
type Server struct {
	SockPath string
	Handle   Handler
	Log      *slog.Logger

	ln      net.Listener
	nextID  int64
	wg      sync.WaitGroup
}

// Listen opens the UNIX-domain socket at s.SockPath, removing any
// stale socket file left behind by a prior crashed run, matching the
// original's os.path.exists/os.unlink guard in Console.__init__.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.SockPath); err == nil {
		if err := os.Remove(s.SockPath); err != nil {
			return err
		}
	}
	ln, err := net.Listen("unix", s.SockPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.SockPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	s.ln = ln
	return nil
}

// Serve accepts connections until ctx is canceled or the listener is
// closed, handling each on its own goroutine. Serve blocks.
func (s *Server) Serve(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.Warn("console: accept failed", "error", err)
			continue
		}
		id := atomic.AddInt64(&s.nextID, 1)
		log.Info("console: new connection", "id", id)
		s.wg.Add(1)
		go s.serveConn(ctx, id, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, id int64, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	for {
		cmd, err := ReadFrame(conn)
		if err != nil {
			log.Info("console: connection closed", "id", id, "error", err)
			return
		}
		resp, err := s.Handle(ctx, id, cmd)
		if err != nil {
			log.Warn("console: handler error, closing connection", "id", id, "error", err)
			return
		}
		if err := WriteFrame(conn, resp); err != nil {
			log.Warn("console: write failed, closing connection", "id", id, "error", err)
			return
		}
	}
}

// Close closes the listener and removes the socket file, matching
// Console.stop's shutdown/unlink sequence.
func (s *Server) Close() error {
	if s.ln != nil {
		s.ln.Close()
	}
	return os.Remove(s.SockPath)
}
