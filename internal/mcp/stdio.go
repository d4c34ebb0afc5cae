package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// StdioServer serves one MCP connection over newline-delimited JSON.
type StdioServer struct {
	reader     *bufio.Reader
	writer     io.Writer
	dispatcher *Dispatcher
	// ProtocolSessionID names this connection for feedback routing.
	protocolSessionID string
	onClose           func(protocolSessionID string)

	mu  sync.Mutex
	wg  sync.WaitGroup
	log *slog.Logger
}

// NewStdioServer creates a stdio server. onClose runs once the connection
// ends and may be nil.
func NewStdioServer(r io.Reader, w io.Writer, dispatcher *Dispatcher, protocolSessionID string, onClose func(string), log *slog.Logger) *StdioServer {
	if log == nil {
		log = slog.Default()
	}
	return &StdioServer{
		reader:            bufio.NewReader(r),
		writer:            w,
		dispatcher:        dispatcher,
		protocolSessionID: protocolSessionID,
		onClose:           onClose,
		log:               log.With("component", "mcp_stdio", "protocol_session_id", protocolSessionID),
	}
}

type readResult struct {
	line string
	err  error
}

// Run reads requests until EOF or ctx is done. Requests are handled
// concurrently so a pending collect_feedback does not block pings. In-flight
// calls are cancelled when Run returns.
func (s *StdioServer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
		if s.onClose != nil {
			s.onClose(s.protocolSessionID)
		}
	}()

	s.log.Info("server starting")

	lines := make(chan readResult)
	go func() {
		for {
			line, err := s.reader.ReadString('\n')
			select {
			case lines <- readResult{line, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	call := Call{ProtocolSessionID: s.protocolSessionID, Notify: s.notify}
	for {
		var res readResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res = <-lines:
		}

		line := strings.TrimSpace(res.line)
		if line != "" {
			s.handleLine(ctx, call, line)
		}
		if errors.Is(res.err, io.EOF) {
			s.log.Info("EOF received, shutting down")
			return nil
		}
		if res.err != nil {
			s.log.Error("read error", "error", res.err)
			return fmt.Errorf("read stdin: %w", res.err)
		}
	}
}

func (s *StdioServer) handleLine(ctx context.Context, call Call, line string) {
	s.log.Debug("received message", "line", line)

	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.log.Error("JSON parse error", "error", err)
		s.send(newError(nil, CodeParseError, "Parse error"))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if resp := s.dispatcher.Handle(ctx, call, &req); resp != nil {
			s.send(resp)
		}
	}()
}

func (s *StdioServer) notify(method string, params any) {
	s.send(JSONRPCNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (s *StdioServer) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.writer, "%s\n", data); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
