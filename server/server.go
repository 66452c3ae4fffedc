package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrHeadersTooLarge is returned when the header block exceeds MaxHeaderSize
var ErrHeadersTooLarge = errors.New("headers too large")

// Bounds on how much unread input is drained after an early rejection.
const (
	lingerTimeout  = 500 * time.Millisecond
	maxLingerBytes = 256 << 10
)

// connState is the lifecycle of one accepted connection
type connState int

const (
	stateReading connState = iota
	stateParsed
	stateDispatching
	stateWriting
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateReading:
		return "reading"
	case stateParsed:
		return "parsed"
	case stateDispatching:
		return "dispatching"
	case stateWriting:
		return "writing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Server accepts connections and serves exactly one request on each
type Server struct {
	router  *Router
	config  *Config
	log     logrus.FieldLogger
	limiter *semaphore.Weighted

	wg sync.WaitGroup
}

// New creates a server. A nil config uses DefaultConfig and a nil logger
// uses the logrus standard logger.
func New(router *Router, config *Config, log logrus.FieldLogger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{router: router, config: config, log: log}
	if config.MaxConnections > 0 {
		s.limiter = semaphore.NewWeighted(int64(config.MaxConnections))
	}
	return s
}

// Listen binds a TCP listener on addr
func (s *Server) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// ListenAndServe binds addr and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := s.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and starts one goroutine per connection
// without waiting for it. Accept errors are logged and retried with
// backoff. When ctx is cancelled the listener is closed, connection
// contexts are cancelled and Serve returns after in-flight connections
// finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.router.freeze()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.WithField("addr", ln.Addr().String()).Info("server listening")

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return err
			}
			delay = nextBackoff(delay)
			s.log.WithError(err).Warnf("accept failed; retrying in %v", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// serveConn supervises one connection task. Errors are logged here and
// never reach the accept loop.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	log := s.log.WithField("remote", conn.RemoteAddr().String())

	if s.limiter != nil {
		if !s.limiter.TryAcquire(1) {
			s.reject(conn, JSON(http.StatusServiceUnavailable, map[string]string{"error": "too many connections"}))
			log.Warn("connection limit reached")
			return
		}
		defer s.limiter.Release(1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.handle(ctx, conn, log); err != nil {
		log.WithError(err).Debug("connection closed with error")
	}
}

// handle runs reading -> parsed -> dispatching -> writing -> closed
func (s *Server) handle(ctx context.Context, conn net.Conn, log logrus.FieldLogger) error {
	state := stateReading
	defer func() { log.WithField("state", stateClosed).Trace("connection done") }()

	buf, err := s.readRequest(conn)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && len(buf) == 0:
		return nil
	case errors.Is(err, ErrHeadersTooLarge):
		return s.reject(conn, Text(http.StatusRequestHeaderFieldsTooLarge, "Request headers too large"))
	default:
		return fmt.Errorf("%s: %w", state, err)
	}

	start := time.Now()
	req, err := ParseRequest(buf)
	if err == nil {
		if want, ok := req.ContentLength(); ok && want > int64(len(req.Body)) {
			if want > s.config.MaxBodySize {
				return s.reject(conn, Text(http.StatusRequestEntityTooLarge, "Request body too large"))
			}
			buf = s.readBody(conn, buf, int(want)-len(req.Body))
			req, err = ParseRequest(buf)
		}
	}
	if err != nil {
		resp := Text(http.StatusBadRequest, "Invalid request")
		if s.config.EnableLogging {
			logRequest(log, "-", "-", resp.Status, time.Since(start))
		}
		return s.write(conn, resp)
	}

	state = stateParsed
	log.WithFields(logrus.Fields{"state": state, "method": req.Method, "path": req.Path}).Trace("request parsed")

	state = stateDispatching
	resp := s.dispatch(ctx, req, log)

	state = stateWriting
	err = s.write(conn, resp)
	if s.config.EnableLogging {
		logRequest(log, req.Method, req.Path, resp.Status, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", state, err)
	}
	return nil
}

// dispatch runs the router and turns a handler panic into a 500
func (s *Server) dispatch(ctx context.Context, req *Request, log logrus.FieldLogger) (resp *Response) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("PANIC recovered: %v\n%s", rec, debug.Stack())
			resp = Text(http.StatusInternalServerError, "Internal server error occurred")
		}
	}()
	return s.router.ServeRequest(ctx, req)
}

func (s *Server) write(conn net.Conn, resp *Response) error {
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	_, err := resp.WriteTo(conn)
	return err
}

// reject writes resp for a request whose input was not fully read, then
// half-closes and drains the socket so the kernel does not answer the
// unread bytes with a reset that destroys the response in flight.
func (s *Server) reject(conn net.Conn, resp *Response) error {
	if err := s.write(conn, resp); err != nil {
		return err
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
	conn.SetReadDeadline(time.Now().Add(lingerTimeout))
	io.Copy(io.Discard, io.LimitReader(conn, maxLingerBytes))
	return nil
}

// readRequest reads until the header block is complete. A peer that stops
// sending early gets whatever it sent parsed as-is. The returned slice is
// owned by the caller.
func (s *Server) readRequest(conn net.Conn) ([]byte, error) {
	bufPtr := getRequestBuffer()
	headerBuffer := *bufPtr
	defer func() { putRequestBuffer(bufPtr, headerBuffer) }()

	chunkPtr := getChunk()
	defer putChunk(chunkPtr)
	chunk := *chunkPtr

	for !bytes.Contains(headerBuffer, headerTerminator) {
		if len(headerBuffer) > s.config.MaxHeaderSize {
			return nil, ErrHeadersTooLarge
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		n, err := conn.Read(chunk)
		headerBuffer = append(headerBuffer, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(headerBuffer) > 0 {
				break
			}
			return nil, err
		}
	}

	result := make([]byte, len(headerBuffer))
	copy(result, headerBuffer)
	return result, nil
}

// readBody reads up to missing more body bytes. A short read leaves the
// body truncated rather than failing the request.
func (s *Server) readBody(conn net.Conn, buf []byte, missing int) []byte {
	conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	remaining := make([]byte, missing)
	n, _ := io.ReadFull(conn, remaining)
	return append(buf, remaining[:n]...)
}
