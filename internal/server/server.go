// Package server is the sidecar's Unix-domain socket server (external
// collaborator per spec.md §1): one accept loop per process, one goroutine
// per connection, newline-delimited JSON requests handled in order within
// a connection. Actual sandbox execution for each request is handed to a
// dedicated blocking worker pool so the accept loop itself is never
// blocked by guest code, per spec.md §5.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/sentrywasm/sidecar/internal/pipeline"
	"github.com/sentrywasm/sidecar/internal/protocol"
)

const (
	// maxConcurrentConns bounds accepted sockets, a distinct concern from
	// the worker pool's bound on concurrent sandbox executions: many idle
	// connections can be held open while only MaxWorkers are ever running
	// guest code at once.
	maxConcurrentConns = 64
	connIdleTimeout     = 5 * time.Minute
)

// Server accepts connections on a Unix socket and dispatches each
// newline-delimited request line to the pipeline via a bounded worker
// pool.
type Server struct {
	socketPath string
	pipeline   *pipeline.Pipeline
	log        *zap.Logger
	workers    pond.ResultPool[protocol.Response]
	connSem    chan struct{}
}

// New builds a Server. maxWorkers sizes the blocking worker pool that runs
// sandbox executions; it is the implicit concurrency cap spec.md §5
// describes — one execute occupies one worker slot from instantiation to
// collection, regardless of how many connections are open.
func New(socketPath string, p *pipeline.Pipeline, log *zap.Logger, maxWorkers int) *Server {
	return &Server{
		socketPath: socketPath,
		pipeline:   p,
		log:        log,
		workers:    pond.NewResultPool[protocol.Response](maxWorkers),
		connSem:    make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe binds the socket and blocks until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("server: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("server: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("server: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("sidecar socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.workers.StopAndWait()
				return nil
			default:
				s.log.Error("server: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.connSem <- struct{}{}:
		default:
			s.log.Warn("server: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.connSem }()
			defer c.Close()
			s.handleConn(ctx, c)
		}(conn)
	}
}

// handleConn reads newline-delimited requests in order and emits responses
// in the same order; each request's sandbox execution runs on the worker
// pool so a slow tool does not stall the connection's read loop longer
// than necessary, but responses are still written in arrival order within
// one connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		_ = conn.SetDeadline(time.Now().Add(connIdleTimeout))
		line := scanner.Bytes()

		var req protocol.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(writer, protocol.Err("invalid-request: "+err.Error()))
			continue
		}

		task := s.workers.Submit(func() protocol.Response {
			return s.pipeline.Handle(ctx, req)
		})
		result, err := task.Wait()
		if err != nil {
			s.writeResponse(writer, protocol.Err("internal: "+err.Error()))
			continue
		}
		s.writeResponse(writer, result)
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("server: connection read error", zap.Error(err))
	}
}

func (s *Server) writeResponse(w *bufio.Writer, resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(protocol.Err("internal: failed to encode response"))
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.Warn("server: write error", zap.Error(err))
		return
	}
	_ = w.Flush()
}
