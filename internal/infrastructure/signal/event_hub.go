package signal

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/infrastructure/middleware"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	CommandStartCall = "start_call"
	CommandAccept    = "accept"
	CommandReject    = "reject"
	CommandEnd       = "end"
	CommandMinimize  = "minimize"
	CommandSetAudio  = "set_audio"
	CommandSetVideo  = "set_video"
	CommandWatch     = "watch"
	CommandStopWatch = "stop_watch"
)

const (
	ReplyAck   = "ack"
	ReplyError = "error"

	replyBufferSize    = 16
	defaultCommandWait = 30 * time.Second
)

// Command is a UI request received over the event stream.
type Command struct {
	Type           string                `json:"type"`
	RequestID      string                `json:"request_id,omitempty"`
	ConversationID domain.ConversationID `json:"conversation_id,omitempty"`
	CallType       domain.CallType       `json:"call_type,omitempty"`
	Enabled        *bool                 `json:"enabled,omitempty"`
}

// Reply answers one Command.
type Reply struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	CallID    domain.CallID `json:"call_id,omitempty"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	CommandTimeout time.Duration
}

// ConnectionGate admits or refuses new connections per client IP.
type ConnectionGate interface {
	Acquire(ip string) (release func(), ok bool)
}

// EventHub streams call events to UI clients over WebSocket and accepts
// call commands from them. Each client first receives the current state.
type EventHub struct {
	source     ports.EventSource
	controller ports.CallController
	watcher    ports.IncomingCallWatcher
	gate       ConnectionGate
	cfg        Config
	logger     *zap.SugaredLogger
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

func NewEventHub(
	source ports.EventSource,
	controller ports.CallController,
	watcher ports.IncomingCallWatcher,
	gate ConnectionGate,
	cfg Config,
	logger *zap.SugaredLogger,
) *EventHub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 * 1024
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandWait
	}
	return &EventHub{
		source:     source,
		controller: controller,
		watcher:    watcher,
		gate:       gate,
		cfg:        cfg,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the hub serves the local UI only; the listener is loopback by default
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	release := func() {}
	if h.gate != nil {
		var ok bool
		release, ok = h.gate.Acquire(remoteIP(r))
		if !ok {
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
	}
	defer release()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	events, unsubscribe := h.source.Subscribe()
	defer unsubscribe()

	h.logger.Infow("ui client connected", "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan Reply, replyBufferSize)
	readDone := make(chan struct{})
	var inflight sync.WaitGroup

	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	go func() {
		defer close(readDone)
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Infow("ui client read failed", "error", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

			inflight.Add(1)
			go func(cmd Command) {
				defer inflight.Done()
				reply := h.execute(ctx, cmd)
				select {
				case replies <- reply:
				case <-ctx.Done():
				}
			}(cmd)
		}
	}()

	h.writeLoop(conn, events, replies, readDone)

	cancel()
	inflight.Wait()
	h.logger.Infow("ui client disconnected", "remote_addr", r.RemoteAddr)
}

// writeLoop owns every write to conn.
func (h *EventHub) writeLoop(conn *websocket.Conn, events <-chan domain.Event, replies <-chan Reply, readDone <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	if err := h.write(conn, h.snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-readDone:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(conn, ev); err != nil {
				return
			}
		case reply := <-replies:
			if err := h.write(conn, reply); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Infow("failed to ping ui client", "error", err)
				return
			}
		}
	}
}

func (h *EventHub) write(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	if err := conn.WriteJSON(v); err != nil {
		h.logger.Infow("failed to write to ui client", "error", err)
		return err
	}
	return nil
}

// snapshot is the first message of every stream: the call state and any
// pending incoming call.
func (h *EventHub) snapshot() domain.Event {
	state := h.controller.State()
	return domain.Event{
		Type:      domain.EventStateChanged,
		CallID:    state.CallID,
		State:     &state,
		Incoming:  h.watcher.Pending(),
		Timestamp: time.Now(),
	}
}

func (h *EventHub) execute(ctx context.Context, cmd Command) Reply {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.CommandTimeout)
	defer cancel()

	reply := Reply{Type: ReplyAck, RequestID: cmd.RequestID}
	var err error

	switch cmd.Type {
	case CommandStartCall:
		reply.CallID, err = h.controller.StartCall(ctx, cmd.ConversationID, cmd.CallType)
	case CommandAccept:
		reply.CallID, err = h.watcher.Accept(ctx)
	case CommandReject:
		err = h.watcher.Reject(ctx)
	case CommandEnd:
		h.controller.EndCall()
	case CommandMinimize:
		h.controller.SetMinimized(cmd.Enabled == nil || *cmd.Enabled)
	case CommandSetAudio:
		err = h.withEnabled(cmd, h.controller.SetAudioEnabled)
	case CommandSetVideo:
		err = h.withEnabled(cmd, h.controller.SetVideoEnabled)
	case CommandWatch:
		err = h.watcher.Watch(ctx, cmd.ConversationID)
	case CommandStopWatch:
		h.watcher.Stop()
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}

	if err != nil {
		h.logger.Infow("ui command failed", "command", cmd.Type, "request_id", cmd.RequestID, "error", err)
		reply.Type = ReplyError
		reply.Message = err.Error()
		if appErr := middleware.AppErrorFrom(err); appErr != nil {
			reply.Code = string(appErr.Code)
			reply.Message = appErr.Message
		}
	}
	return reply
}

func (h *EventHub) withEnabled(cmd Command, set func(bool) error) error {
	if cmd.Enabled == nil {
		return fmt.Errorf("%s requires \"enabled\"", cmd.Type)
	}
	return set(*cmd.Enabled)
}

// ClientCount returns the number of connected UI clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *EventHub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
