// Package ipc implements the local control-plane server (§4.8): a
// Unix-domain socket accepting newline-framed JSON requests, used by the
// CLI's status/kill/restart/inject subcommands to talk to a running
// daemon. One connection serves one request at a time; many connections
// may be open concurrently.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Request is one newline-delimited JSON command.
type Request struct {
	Command     string `json:"command"`
	ChatID      string `json:"chat_id,omitempty"`
	Model       string `json:"model,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	SMS         bool   `json:"sms,omitempty"`
	Admin       bool   `json:"admin,omitempty"`
	Bg          bool   `json:"bg,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
	Tier        string `json:"tier,omitempty"`
	Source      string `json:"source,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
}

// InjectRequest carries an "inject" command's routing flags (§4.8) from the
// wire Request into the Handler, independent of the JSON field names.
type InjectRequest struct {
	ChatID      string
	Prompt      string
	SMS         bool
	Admin       bool
	Bg          bool
	ContactName string
	Tier        string
	Source      string
	ReplyTo     string
}

// Response is the newline-delimited JSON reply.
type Response struct {
	OK    bool `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any  `json:"data,omitempty"`
}

// Handler executes one IPC command and returns its response payload.
type Handler interface {
	Status(chatID string) (any, error)
	StatusAll() (any, error)
	Kill(chatID string) (any, error)
	KillAll() (any, error)
	Restart(chatID string) (any, error)
	SetModel(chatID, model string) (any, error)
	Inject(req InjectRequest) (any, error)
}

// Server listens on a Unix socket with mode 0600.
type Server struct {
	path     string
	listener net.Listener
	handler  Handler
	logger   zerolog.Logger
}

// Listen creates (replacing a stale socket file, if any) and binds the
// control socket at path.
func Listen(path string, handler Handler, logger zerolog.Logger) (*Server, error) {
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("ipc: chmod socket: %w", err)
	}
	return &Server{path: path, listener: ln, handler: handler, logger: logger}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn().Err(err).Msg("ipc: accept failed")
				return
			}
		}
		go s.handleConn(conn)
	}
}

// Close stops the listener and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			decodeErr := errors.Wrap(err, "ipc: decode request")
			_ = enc.Encode(Response{OK: false, Error: decodeErr.Error()})
			continue
		}
		correlationID := uuid.New().String()
		resp := s.dispatch(req)
		if err := enc.Encode(resp); err != nil {
			s.logger.Debug().Err(err).Str("correlation_id", correlationID).Msg("ipc: write response failed, closing connection")
			return
		}
		s.logger.Debug().Str("correlation_id", correlationID).Str("command", req.Command).Bool("ok", resp.OK).Msg("ipc: request handled")
	}
}

func (s *Server) dispatch(req Request) Response {
	data, err := s.run(req)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Data: data}
}

func (s *Server) run(req Request) (any, error) {
	switch req.Command {
	case "status":
		if req.ChatID == "" {
			return s.handler.StatusAll()
		}
		return s.handler.Status(req.ChatID)
	case "kill_session":
		return s.handler.Kill(req.ChatID)
	case "kill_all_sessions":
		return s.handler.KillAll()
	case "restart_session":
		return s.handler.Restart(req.ChatID)
	case "set_model":
		return s.handler.SetModel(req.ChatID, req.Model)
	case "inject":
		return s.handler.Inject(InjectRequest{
			ChatID:      req.ChatID,
			Prompt:      req.Prompt,
			SMS:         req.SMS,
			Admin:       req.Admin,
			Bg:          req.Bg,
			ContactName: req.ContactName,
			Tier:        req.Tier,
			Source:      req.Source,
			ReplyTo:     req.ReplyTo,
		})
	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}
