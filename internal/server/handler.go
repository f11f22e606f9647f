// Package server implements the per-connection state machine, protocol
// dispatch, and broadcast fan-out described in spec.md §4.3-§4.4. It is
// grounded on the teacher's hub/router split (validate -> persist ->
// fan-out ordering, per-recipient failure isolation) collapsed into direct
// dispatch from the owning connection's goroutine, since spec.md §5
// assigns fan-out to the initiating goroutine rather than a dedicated
// broadcaster.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatserver/internal/auth"
	"chatserver/internal/metrics"
	"chatserver/internal/protocol"
	"chatserver/internal/ratelimit"
	"chatserver/internal/registry"
	"chatserver/internal/storage"
	"chatserver/internal/validate"
	"chatserver/pkg/interfaces"
	"chatserver/pkg/types"
)

// DefaultIdleTimeout is the per-connection read deadline used unless a
// caller overrides Server.IdleTimeout: a silent connection is dropped
// after this long with no frame arriving.
const DefaultIdleTimeout = 300 * time.Second

const messageHistoryLimit = 50

// Server owns the shared collaborators every connection handler needs:
// storage, the presence registry, and metrics. It has no mutable state of
// its own beyond what those collaborators guard internally. IdleTimeout
// and the rate-limit fields default to the package/ratelimit defaults and
// are meant to be overridden from config.Config after construction.
type Server struct {
	Store   interfaces.Storage
	Reg     *registry.Registry
	Metrics *metrics.Metrics
	Log     zerolog.Logger

	IdleTimeout     time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// New constructs a Server with default idle-timeout and rate-limit
// settings; override the corresponding fields after construction to
// apply configured values.
func New(store interfaces.Storage, reg *registry.Registry, m *metrics.Metrics, log zerolog.Logger) *Server {
	return &Server{
		Store:           store,
		Reg:             reg,
		Metrics:         m,
		Log:             log,
		IdleTimeout:     DefaultIdleTimeout,
		RateLimitMax:    ratelimit.DefaultMax,
		RateLimitWindow: ratelimit.DefaultWindow,
	}
}

// HandleConnection drives one connection's entire lifecycle: read frames,
// dispatch against the state machine, and clean up on exit. It never lets
// a panic escape to the listener goroutine.
func (s *Server) HandleConnection(ctx context.Context, conn *Connection) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error().Interface("panic", r).Str("trace_id", conn.traceID).Msg("recovered from panic in connection handler")
		}
		s.cleanup(conn)
	}()

	if s.Metrics != nil {
		s.Metrics.ConnectionsTotal.Inc()
		s.Metrics.ActiveConnections.Inc()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, raw, err := conn.nextFrame(s.IdleTimeout)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.Log.Debug().Err(err).Str("trace_id", conn.traceID).Msg("connection read ended")
			}
			return
		}

		if err := s.dispatch(ctx, conn, msgType, raw); err != nil {
			s.Log.Debug().Err(err).Str("trace_id", conn.traceID).Str("type", msgType).Msg("dispatch error")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn *Connection, msgType string, raw json.RawMessage) error {
	if !conn.IsAuthenticated() {
		switch msgType {
		case protocol.TypeAuthRegister:
			return s.handleRegister(ctx, conn, raw)
		case protocol.TypeAuthLogin:
			return s.handleLogin(ctx, conn, raw)
		default:
			return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrNotAuthenticated, Message: "You must log in first."})
		}
	}

	switch msgType {
	case protocol.TypeChannelJoin:
		return s.handleChannelJoin(ctx, conn, raw)
	case protocol.TypeChannelLeave:
		return s.handleChannelLeave(conn, raw)
	case protocol.TypeChannelCreate:
		return s.handleChannelCreate(ctx, conn, raw)
	case protocol.TypeChannelList:
		return s.handleChannelList(ctx, conn)
	case protocol.TypeMessage:
		return s.handleChatMessage(ctx, conn, raw, types.MessageKindChat)
	case protocol.TypeAction:
		return s.handleChatMessage(ctx, conn, raw, types.MessageKindAction)
	case protocol.TypePrivate:
		return s.handlePrivateMessage(conn, raw)
	case protocol.TypeUserList:
		return s.handleUserList(conn, raw)
	default:
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrUnknown, Message: "Unrecognized message type."})
	}
}

// --- Authentication ---

func (s *Server) handleRegister(ctx context.Context, conn *Connection, raw json.RawMessage) error {
	var req protocol.AuthRegister
	if err := json.Unmarshal(raw, &req); err != nil {
		return conn.Send(authFailure("Malformed request."))
	}

	if ok, msg := validate.Username(req.Username); !ok {
		s.countAuth("rejected")
		return conn.Send(authFailure(msg))
	}
	if ok, msg := validate.Password(req.Password); !ok {
		s.countAuth("rejected")
		return conn.Send(authFailure(msg))
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userID, err := s.Store.CreateUser(ctx, req.Username, hash)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			s.countAuth("conflict")
			return conn.Send(authFailure("Username already taken."))
		}
		return fmt.Errorf("create user: %w", err)
	}

	return s.finishLogin(ctx, conn, userID, req.Username)
}

func (s *Server) handleLogin(ctx context.Context, conn *Connection, raw json.RawMessage) error {
	var req protocol.AuthLogin
	if err := json.Unmarshal(raw, &req); err != nil {
		return conn.Send(authFailure("Malformed request."))
	}

	user, err := s.Store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.countAuth("rejected")
			return conn.Send(authFailure("Invalid username or password."))
		}
		return fmt.Errorf("lookup user: %w", err)
	}
	if !auth.VerifyPassword(req.Password, user.PasswordHash) {
		s.countAuth("rejected")
		return conn.Send(authFailure("Invalid username or password."))
	}

	return s.finishLogin(ctx, conn, user.ID, user.Username)
}

func authFailure(message string) protocol.AuthResult {
	return protocol.AuthResult{Type: protocol.TypeAuthResult, Success: false, Error: message}
}

func (s *Server) countAuth(outcome string) {
	if s.Metrics != nil {
		s.Metrics.AuthAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

// finishLogin mints a session, transitions the connection, and performs
// the finalize-login sequence (spec.md §4.3).
func (s *Server) finishLogin(ctx context.Context, conn *Connection, userID int64, username string) error {
	token, err := auth.GenerateSessionToken()
	if err != nil {
		return fmt.Errorf("generate session token: %w", err)
	}
	if err := s.Store.CreateSession(ctx, token, userID); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	conn.setAuthenticated(userID, username, token)
	s.countAuth("success")

	if err := conn.Send(protocol.AuthResult{Type: protocol.TypeAuthResult, Success: true, Token: token, Username: username}); err != nil {
		return err
	}

	return s.finalizeLogin(ctx, conn)
}

// finalizeLogin sends channel_info, auto-joins "general", and broadcasts
// presence to every other authenticated connection.
func (s *Server) finalizeLogin(ctx context.Context, conn *Connection) error {
	channels, err := s.Store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	summaries := make([]protocol.ChannelSummary, len(channels))
	for i, c := range channels {
		summaries[i] = protocol.ChannelSummary{ID: c.ID, Name: c.Name, Description: c.Description}
	}
	if err := conn.Send(protocol.ChannelInfo{Type: protocol.TypeChannelInfo, Channels: summaries}); err != nil {
		return err
	}

	if err := s.joinChannel(ctx, conn, types.DefaultChannelName); err != nil {
		return err
	}

	s.Reg.Register(conn)
	s.broadcastGlobalExcept(conn, protocol.StatusChange{Type: protocol.TypeStatusChange, Username: conn.Username(), Status: types.StatusOnline})
	return nil
}

// --- Channels ---

func (s *Server) handleChannelJoin(ctx context.Context, conn *Connection, raw json.RawMessage) error {
	var req protocol.ChannelJoin
	if err := json.Unmarshal(raw, &req); err != nil || req.Channel == "" {
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalid, Message: "Channel name required."})
	}
	return s.joinChannel(ctx, conn, req.Channel)
}

// joinChannel implements spec.md §4.3 "Channel join": validate existence,
// leave any prior channel silently, join the registry, replay history, and
// broadcast user_joined to the new channel's other members.
func (s *Server) joinChannel(ctx context.Context, conn *Connection, name string) error {
	channel, err := s.Store.GetChannelByName(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrNotFound, Message: "No such channel."})
		}
		return fmt.Errorf("get channel: %w", err)
	}

	previous, hadPrevious := s.Reg.Join(conn.Username(), channel.Name)
	if hadPrevious {
		s.broadcastChannelExcept(conn, previous, protocol.UserLeft{Type: protocol.TypeUserLeft, Channel: previous, Username: conn.Username()})
	}
	conn.setCurrentChannel(channel.Name)

	history, err := s.Store.GetMessageHistory(ctx, channel.ID, messageHistoryLimit)
	if err != nil {
		return fmt.Errorf("get message history: %w", err)
	}
	entries := make([]protocol.HistoryEntry, len(history))
	for i, m := range history {
		entries[i] = protocol.HistoryEntry{ID: m.ID, Sender: m.Username, Content: m.Content, Kind: m.Kind, Timestamp: m.CreatedAt.UTC().Format(time.RFC3339)}
	}

	members := s.Reg.Members(channel.Name)
	users := make([]protocol.UserStatus, len(members))
	for i, u := range members {
		users[i] = protocol.UserStatus{Username: u, Status: types.StatusOnline}
	}

	if err := conn.Send(protocol.ChannelJoined{Type: protocol.TypeChannelJoined, Channel: channel.Name, History: entries, Users: users}); err != nil {
		return err
	}

	s.broadcastChannelExcept(conn, channel.Name, protocol.UserJoined{Type: protocol.TypeUserJoined, Channel: channel.Name, Username: conn.Username()})
	return nil
}

func (s *Server) handleChannelLeave(conn *Connection, raw json.RawMessage) error {
	var req protocol.ChannelLeave
	if err := json.Unmarshal(raw, &req); err != nil {
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalid, Message: "Malformed request."})
	}
	// Open-question resolution (spec.md §9): leave only clears current
	// channel when the argument matches the connection's current channel.
	if req.Channel == "" || req.Channel != conn.CurrentChannel() {
		return nil
	}
	if !s.Reg.Leave(conn.Username(), req.Channel) {
		return nil
	}
	conn.setCurrentChannel("")
	s.broadcastChannel(req.Channel, protocol.UserLeft{Type: protocol.TypeUserLeft, Channel: req.Channel, Username: conn.Username()})
	return nil
}

func (s *Server) handleChannelCreate(ctx context.Context, conn *Connection, raw json.RawMessage) error {
	var req protocol.ChannelCreate
	if err := json.Unmarshal(raw, &req); err != nil {
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalid, Message: "Malformed request."})
	}
	ok, normalized, msg := validate.ChannelName(req.Name)
	if !ok {
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalid, Message: msg})
	}

	id, err := s.Store.CreateChannel(ctx, normalized, req.Description, conn.userID())
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrExists, Message: "Channel already exists."})
		}
		return fmt.Errorf("create channel: %w", err)
	}

	s.broadcastGlobal(protocol.ChannelCreated{Type: protocol.TypeChannelCreated, Channel: protocol.ChannelSummary{ID: id, Name: normalized, Description: req.Description}})
	return nil
}

func (s *Server) handleChannelList(ctx context.Context, conn *Connection) error {
	channels, err := s.Store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	summaries := make([]protocol.ChannelSummary, len(channels))
	for i, c := range channels {
		summaries[i] = protocol.ChannelSummary{ID: c.ID, Name: c.Name, Description: c.Description}
	}
	return conn.Send(protocol.ChannelInfo{Type: protocol.TypeChannelInfo, Channels: summaries})
}

// --- Chat ---

func (s *Server) handleChatMessage(ctx context.Context, conn *Connection, raw json.RawMessage, kind string) error {
	var content, channelName string
	switch kind {
	case types.MessageKindChat:
		var req protocol.MessageIn
		if err := json.Unmarshal(raw, &req); err != nil {
			return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalid, Message: "Malformed request."})
		}
		content, channelName = req.Content, req.Channel
	default:
		var req protocol.ActionIn
		if err := json.Unmarshal(raw, &req); err != nil {
			return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalid, Message: "Malformed request."})
		}
		content, channelName = req.Content, req.Channel
	}

	if !conn.limiter.Allow() {
		if s.Metrics != nil {
			s.Metrics.RateLimitDenials.Inc()
		}
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrRateLimited, Message: "Slow down."})
	}

	if ok, msg := validate.MessageContent(content); !ok {
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalid, Message: msg})
	}
	content = validate.SanitizeContent(content)

	if channelName == "" {
		channelName = conn.CurrentChannel()
	}
	if channelName == "" {
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrNotFound, Message: "No channel specified and you are not in one."})
	}

	channel, err := s.Store.GetChannelByName(ctx, channelName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrNotFound, Message: "No such channel."})
		}
		return fmt.Errorf("get channel: %w", err)
	}

	saved, err := s.Store.SaveMessage(ctx, channel.ID, conn.userID(), content, kind)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if s.Metrics != nil {
		s.Metrics.MessagesTotal.WithLabelValues(kind).Inc()
	}

	out := protocol.ChatMessageOut{
		Type:      kind,
		ID:        saved.ID,
		Channel:   channel.Name,
		Sender:    conn.Username(),
		Content:   content,
		Timestamp: saved.CreatedAt.UTC().Format(time.RFC3339),
	}
	s.broadcastChannel(channel.Name, out)
	return nil
}

func (s *Server) handlePrivateMessage(conn *Connection, raw json.RawMessage) error {
	var req protocol.PrivateMessageIn
	if err := json.Unmarshal(raw, &req); err != nil {
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalid, Message: "Malformed request."})
	}

	if !conn.limiter.Allow() {
		if s.Metrics != nil {
			s.Metrics.RateLimitDenials.Inc()
		}
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrRateLimited, Message: "Slow down."})
	}

	if ok, msg := validate.MessageContent(req.Content); !ok {
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrInvalid, Message: msg})
	}
	content := validate.SanitizeContent(req.Content)

	recipient := s.findPeerCaseInsensitive(req.To)
	if recipient == nil {
		return conn.Send(protocol.ErrorOut{Type: protocol.TypeError, Code: protocol.ErrNotFound, Message: "User not found or offline."})
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	if err := recipient.Send(protocol.PrivateMessageOut{Type: protocol.TypePrivate, From: conn.Username(), Content: content, Timestamp: timestamp}); err != nil {
		s.dropPeer(recipient)
	}
	return conn.Send(protocol.PrivateMessageOut{Type: protocol.TypePrivate, From: conn.Username(), To: recipient.Username(), Content: content, Timestamp: timestamp})
}

func (s *Server) handleUserList(conn *Connection, raw json.RawMessage) error {
	var req protocol.UserListRequest
	_ = json.Unmarshal(raw, &req) // empty body is valid; fields remain zero

	channel := req.Channel
	if channel == "" {
		channel = conn.CurrentChannel()
	}
	members := s.Reg.Members(channel)
	users := make([]protocol.UserStatus, len(members))
	for i, u := range members {
		users[i] = protocol.UserStatus{Username: u, Status: types.StatusOnline}
	}
	return conn.Send(protocol.UserListOut{Type: protocol.TypeUserList, Channel: channel, Users: users})
}

func (s *Server) findPeerCaseInsensitive(username string) registry.Peer {
	for _, p := range s.Reg.All() {
		if strings.EqualFold(p.Username(), username) {
			return p
		}
	}
	return nil
}

// cleanup runs once per connection regardless of which path (normal
// loop exit, fan-out write failure, server shutdown) triggers it:
// deregister, leave the current channel with a broadcast, announce
// offline, and close the socket.
func (s *Server) cleanup(conn *Connection) {
	conn.cleanupOnce.Do(func() {
		if s.Metrics != nil {
			s.Metrics.ActiveConnections.Dec()
		}
		username := conn.Username()
		wasAuthenticated := username != ""

		s.Reg.Unregister(conn)
		if channel := conn.CurrentChannel(); channel != "" {
			if s.Reg.Leave(username, channel) {
				s.broadcastChannel(channel, protocol.UserLeft{Type: protocol.TypeUserLeft, Channel: channel, Username: username})
			}
		}
		if wasAuthenticated {
			s.broadcastGlobal(protocol.StatusChange{Type: protocol.TypeStatusChange, Username: username, Status: types.StatusOffline})
		}
		_ = conn.Close()
	})
}
