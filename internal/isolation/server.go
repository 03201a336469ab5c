package isolation

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"isolator/internal/control"
	"isolator/internal/workerpool"
)

// server is the control-channel listener. Connection goroutines only decode
// and encode frames; anything that may block runs on the worker pool.
type server struct {
	ln          net.Listener
	pool        *workerpool.Pool
	handle      func(ctx context.Context, req *control.Request) *control.Response
	inline      func(req *control.Request, peer net.Addr) (*control.Response, bool)
	maxInflight int
	framer      control.Framer
	logger      zerolog.Logger

	closed atomic.Bool
	mu     sync.Mutex
	conns  map[*connection]struct{}
	wg     sync.WaitGroup
}

// writerQueueSize bounds the responses waiting to be written on one
// connection.
const writerQueueSize = 256

type connection struct {
	c        net.Conn
	writerQ  chan *control.Response
	inflight chan struct{}
	pending  sync.WaitGroup
}

func (s *server) Addr() string { return s.ln.Addr().String() }

func (s *server) serve() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if s.closed.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				s.logger.Error().Err(err).Msg("accept failed")
				return
			}
			s.handleConn(conn)
		}
	}()
}

// Close stops accepting, lets in-flight requests answer and waits for
// every connection to close.
func (s *server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.ln.Close()
	s.mu.Lock()
	for conn := range s.conns {
		// unblocks the read loop; pending responses are still written
		_ = conn.c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *server) handleConn(raw net.Conn) {
	conn := &connection{c: raw, writerQ: make(chan *control.Response, writerQueueSize), inflight: make(chan struct{}, s.maxInflight)}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = raw.Close()
		return
	}
	if s.conns == nil {
		s.conns = make(map[*connection]struct{})
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		s.readLoop(conn)
		conn.pending.Wait()
		close(conn.writerQ)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
}

func (s *server) writeLoop(conn *connection) {
	defer conn.c.Close()
	w := bufio.NewWriter(conn.c)
	for res := range conn.writerQ {
		payload, err := control.MarshalMessage(res)
		if err != nil {
			continue
		}
		if err := s.framer.Write(w, payload); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *server) readLoop(conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := s.framer.Read(r)
		if err != nil {
			return
		}
		req, err := control.UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &control.Response{StatusCode: int32(control.StatusBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := control.ValidateRequest(req); err != nil {
			s.send(conn, reply(req, control.StatusBadRequest, err.Error()))
			continue
		}
		if res, ok := s.inline(req, conn.c.RemoteAddr()); ok {
			s.send(conn, res)
			continue
		}
		s.dispatch(conn, req)
	}
}

func (s *server) dispatch(conn *connection, req *control.Request) {
	select {
	case conn.inflight <- struct{}{}:
	default:
		s.send(conn, reply(req, control.StatusOverloaded, "connection inflight limit exceeded"))
		return
	}
	conn.pending.Add(1)
	err := s.pool.Submit(func(ctx context.Context) {
		defer conn.pending.Done()
		res := s.handle(ctx, req)
		<-conn.inflight
		s.send(conn, res)
	})
	if err == nil {
		return
	}
	conn.pending.Done()
	<-conn.inflight
	if errors.Is(err, workerpool.ErrPoolClosed) {
		s.send(conn, reply(req, control.StatusNotReady, "shutting down"))
		return
	}
	s.send(conn, reply(req, control.StatusOverloaded, "worker queue full"))
}

// send queues res without blocking. A connection whose writer has fallen a
// full queue behind is closed so its client fails fast instead of timing out.
func (s *server) send(conn *connection, res *control.Response) {
	select {
	case conn.writerQ <- res:
	default:
		s.logger.Warn().
			Str("peer", conn.c.RemoteAddr().String()).
			Str("request_id", res.RequestId).
			Int("queued", writerQueueSize).
			Msg("writer queue full, closing connection")
		_ = conn.c.Close()
	}
}

func reply(req *control.Request, code control.StatusCode, msg string) *control.Response {
	return &control.Response{RequestId: req.RequestId, StatusCode: int32(code), ErrorMessage: msg}
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}
