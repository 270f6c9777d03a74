package uds

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc processes one decoded request and produces the response frame.
type HandlerFunc func(req *Request) *Response

// Server owns the daemon's control socket. Each connection carries a single
// request/response exchange; handlers run on the connection goroutine with
// panic recovery so a faulty handler cannot take the socket down.
type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mu          sync.RWMutex
	connTimeout time.Duration
	logf        func(format string, args ...any)
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewServer(socketPath string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		connTimeout: 30 * time.Second,
		logf:        func(string, ...any) {},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout bounds how long one request/response exchange may take.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetLogf routes the server's diagnostics through the host's leveled logger.
// Unset, they are discarded.
func (s *Server) SetLogf(fn func(format string, args ...any)) {
	if fn != nil {
		s.logf = fn
	}
}

// Handle registers the handler for a command name, replacing any previous one.
func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket and begins accepting connections. A stale
// socket file left by a dead daemon is replaced; permissions are tightened to
// the owning user only.
func (s *Server) Start() error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}

	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener

	s.wg.Add(1)
	go s.acceptConns()

	return nil
}

// Stop closes the listener, waits for in-flight exchanges, and removes the
// socket file.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptConns() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logf("uds accept: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.logf("uds handler panic: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logf("uds read request: %v", err)
		return
	}

	if err := WriteFrame(conn, s.dispatch(&req)); err != nil {
		s.logf("uds write response: %v", err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(
			ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion),
		)
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()

	if !ok {
		return ErrorResponse(
			ErrCodeUnknownCommand,
			fmt.Sprintf("unknown command: %q", req.Command),
		)
	}

	return handler(req)
}
