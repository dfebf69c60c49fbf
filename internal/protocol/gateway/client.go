// Package gateway implements protocol.Client over a WebSocket to a gateway process that
// hosts the messaging SDK. Requests and responses are JSON frames matched by id; the
// gateway pushes live events as FrameEvent frames once the stream is subscribed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
)

const (
	category = "gateway"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024 * 1024
	eventBuffer    = 256
)

type Config struct {
	URL         string
	JWTSecret   string
	JWTTTL      time.Duration
	CallTimeout time.Duration
	Env         string
}

// ConfigFrom reads the gateway_* keys.
func ConfigFrom(cm *utils.ConfigManager) Config {
	return Config{
		URL:         cm.GetConfigWithDefault("gateway_url", "ws://127.0.0.1:5556/v1/session"),
		JWTSecret:   cm.GetConfigWithDefault("gateway_jwt_secret", ""),
		JWTTTL:      cm.GetConfigDuration("gateway_jwt_ttl", 10*time.Minute),
		CallTimeout: cm.GetConfigDuration("network_call_timeout", 10*time.Second),
		Env:         cm.GetConfigWithDefault("xmtp_env", "dev"),
	}
}

type Client struct {
	cfg    Config
	tokens *TokenManager
	dialer *websocket.Dialer
	logger *utils.LogsManager

	mu        sync.Mutex
	conn      *websocket.Conn
	session   *protocol.Session
	pending   map[string]chan *Frame
	events    chan types.Event
	done      chan struct{}
	streaming bool

	writeMu sync.Mutex
}

var _ protocol.Client = (*Client)(nil)

func NewClient(cfg Config, logger *utils.LogsManager) *Client {
	return &Client{
		cfg:    cfg,
		tokens: NewTokenManager(cfg.JWTSecret),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.CallTimeout},
		logger: logger,
	}
}

func (c *Client) Connect(ctx context.Context, signer protocol.Signer, opts protocol.ConnectOptions) (*protocol.Session, error) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway session already open")
	}
	c.mu.Unlock()

	token, err := c.tokens.GenerateToken(signer.Address().String(), c.cfg.JWTTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to mint gateway token: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]chan *Frame)
	c.events = make(chan types.Event, eventBuffer)
	c.done = done
	c.mu.Unlock()

	go c.readPump(conn, done)
	go c.pingPump(conn, done)

	env := opts.Env
	if env == "" {
		env = c.cfg.Env
	}
	var res connectResult
	err = c.call(ctx, FrameConnect, connectRequest{
		Address:  signer.Address().String(),
		Env:      env,
		Register: opts.Register,
	}, &res, signer)
	if err != nil {
		c.teardown()
		return nil, protocol.Classify(err)
	}
	if res.InboxID == "" {
		c.teardown()
		return nil, fmt.Errorf("%w: gateway returned no inbox id", types.ErrRegistration)
	}

	session := &protocol.Session{
		InboxID:        types.NewInboxID(res.InboxID),
		InstallationID: res.InstallationID,
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.logger.Info(fmt.Sprintf("Gateway session open for inbox %s (installation %s)",
		utils.ShortID(session.InboxID.String()), utils.ShortID(session.InstallationID)), category)

	out := *session
	return &out, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	open := c.conn != nil
	c.mu.Unlock()
	if !open {
		return nil
	}

	// best effort; the socket is closed regardless
	if err := c.call(ctx, FrameDisconnect, nil, nil, nil); err != nil {
		c.logger.Debug(fmt.Sprintf("Gateway disconnect request failed: %v", err), category)
	}
	c.teardown()
	return nil
}

func (c *Client) Session() *protocol.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

func (c *Client) FetchInboxProfile(ctx context.Context, id types.InboxID) (*types.Profile, error) {
	var p wireProfile
	err := c.call(ctx, FrameProfileGet, inboxRequest{InboxID: id.String()}, &p, nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	profile := p.toProfile()
	if profile.InboxID.IsZero() {
		profile.InboxID = id
	}
	return profile, nil
}

func (c *Client) ResolveInboxIDForAddress(ctx context.Context, addr types.Address) (types.InboxID, error) {
	var res inboxRequest
	err := c.call(ctx, FrameInboxResolve, inboxRequest{Address: addr.String()}, &res, nil)
	if isNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return types.NewInboxID(res.InboxID), nil
}

func (c *Client) ListConversations(ctx context.Context) ([]*protocol.RemoteConversation, error) {
	var wire []wireConversation
	if err := c.call(ctx, FrameConversationsList, nil, &wire, nil); err != nil {
		return nil, err
	}
	out := make([]*protocol.RemoteConversation, 0, len(wire))
	for i := range wire {
		out = append(out, wire[i].toRemote())
	}
	return out, nil
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (*protocol.RemoteConversation, error) {
	var wire wireConversation
	err := c.call(ctx, FrameConversationGet, conversationRequest{ConversationID: conversationID}, &wire, nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if wire.ID == "" {
		wire.ID = conversationID
	}
	return wire.toRemote(), nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, after protocol.HistoryCursor, limit int) ([]*types.Message, error) {
	var wire []wireMessage
	err := c.call(ctx, FrameMessagesList, listMessagesRequest{
		ConversationID: conversationID,
		AfterNs:        toNanos(after.SentAt),
		AfterID:        after.ID,
		Limit:          limit,
	}, &wire, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Message, 0, len(wire))
	for i := range wire {
		msg := wire[i].toMessage()
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Client) CreateDM(ctx context.Context, peer types.InboxID) (*protocol.RemoteConversation, error) {
	var wire wireConversation
	if err := c.call(ctx, FrameDMCreate, inboxRequest{InboxID: peer.String()}, &wire, nil); err != nil {
		return nil, err
	}
	return wire.toRemote(), nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, members types.InboxIDs) (*protocol.RemoteConversation, error) {
	req := createGroupRequest{Name: name}
	for _, m := range members {
		req.Members = append(req.Members, m.String())
	}
	var wire wireConversation
	if err := c.call(ctx, FrameGroupCreate, req, &wire, nil); err != nil {
		return nil, err
	}
	return wire.toRemote(), nil
}

func (c *Client) LeaveGroup(ctx context.Context, conversationID string) error {
	return c.call(ctx, FrameGroupLeave, conversationRequest{ConversationID: conversationID}, nil, nil)
}

func (c *Client) Send(ctx context.Context, conversationID string, body string, attachment *types.Attachment) (*protocol.SentMessage, error) {
	req := sendRequest{ConversationID: conversationID, Body: body}
	if attachment != nil {
		req.Attachment = &wireAttachment{
			Filename:    attachment.Filename,
			ContentType: attachment.ContentType,
			Data:        attachment.Data,
		}
	}
	var res sendResult
	if err := c.call(ctx, FrameMessageSend, req, &res, nil); err != nil {
		return nil, err
	}
	return &protocol.SentMessage{ID: res.ID, SentAt: fromNanos(res.SentAtNs)}, nil
}

func (c *Client) Stream(ctx context.Context) (<-chan types.Event, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, types.ErrNotConnected
	}
	if c.streaming {
		c.mu.Unlock()
		return nil, fmt.Errorf("gateway stream already open")
	}
	c.streaming = true
	src, done := c.events, c.done
	c.mu.Unlock()

	if err := c.call(ctx, FrameStreamSubscribe, nil, nil, nil); err != nil {
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
		return nil, err
	}

	out := make(chan types.Event)
	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			c.streaming = false
			c.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case ev := <-src:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()
	return out, nil
}

// call sends one request and waits for its result. Sign requests arriving for the same
// id are answered with signer while waiting.
func (c *Client) call(ctx context.Context, frameType FrameType, payload any, result any, signer protocol.Signer) error {
	id := uuid.NewString()
	frame, err := NewFrame(id, frameType, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", frameType, err)
	}

	replies := make(chan *Frame, 4)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return types.ErrNotConnected
	}
	c.pending[id] = replies
	done := c.done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return fmt.Errorf("failed to send %s request: %w", frameType, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return fmt.Errorf("%w: gateway connection closed", types.ErrNotConnected)
		case reply := <-replies:
			switch reply.Type {
			case FrameSignRequest:
				if err := c.answerSignRequest(id, reply, signer); err != nil {
					return err
				}
			case FrameError:
				if reply.Error == nil {
					return fmt.Errorf("gateway error without details")
				}
				return reply.Error.asError()
			default:
				if result == nil || len(reply.Payload) == 0 {
					return nil
				}
				if err := json.Unmarshal(reply.Payload, result); err != nil {
					return fmt.Errorf("failed to decode %s result: %w", frameType, err)
				}
				return nil
			}
		}
	}
}

func (c *Client) answerSignRequest(id string, reply *Frame, signer protocol.Signer) error {
	if signer == nil {
		return fmt.Errorf("gateway requested a signature outside of connect")
	}
	var req signRequest
	if err := json.Unmarshal(reply.Payload, &req); err != nil {
		return fmt.Errorf("failed to decode sign request: %w", err)
	}
	sig, err := signer.SignText(req.Text)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRegistration, err)
	}
	resp, err := NewFrame(id, FrameSignResponse, signResponse{Signature: hexutil.Encode(sig)})
	if err != nil {
		return err
	}
	return c.write(resp)
}

func (c *Client) write(frame *Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return types.ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	defer c.closeConn(conn, done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn(fmt.Sprintf("Gateway read error: %v", err), category)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn(fmt.Sprintf("Failed to parse gateway frame: %v", err), category)
			continue
		}

		if frame.Type == FrameEvent {
			c.dispatchEvent(&frame, done)
			continue
		}

		c.mu.Lock()
		replies := c.pending[frame.ID]
		c.mu.Unlock()
		if replies == nil {
			c.logger.Debug(fmt.Sprintf("Dropping unsolicited %s frame %s", frame.Type, frame.ID), category)
			continue
		}
		select {
		case replies <- &frame:
		default:
			c.logger.Warn(fmt.Sprintf("Reply buffer full for request %s", frame.ID), category)
		}
	}
}

func (c *Client) dispatchEvent(frame *Frame, done chan struct{}) {
	var wire wireEvent
	if err := json.Unmarshal(frame.Payload, &wire); err != nil {
		c.logger.Warn(fmt.Sprintf("Failed to decode gateway event: %v", err), category)
		return
	}
	ev, err := wire.toEvent()
	if err != nil {
		c.logger.Warn(fmt.Sprintf("Ignoring gateway event: %v", err), category)
		return
	}

	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	// block rather than drop: the read pump is the only producer and order matters
	select {
	case events <- ev:
	case <-done:
	}
}

func (c *Client) pingPump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// teardown closes the socket; the read pump finishes the cleanup.
func (c *Client) teardown() {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.closeConn(conn, done)
}

func (c *Client) closeConn(conn *websocket.Conn, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	conn.Close()
	close(done)
	c.conn = nil
	c.session = nil
	c.pending = nil
	c.streaming = false
}

func (e *FrameErr) asError() error {
	switch e.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", types.ErrNotFound, e.Message)
	case CodeInstallationLimit:
		return fmt.Errorf("%w (%s)", types.ErrInstallationLimit, e.Message)
	case CodeRegistration:
		return fmt.Errorf("%w: %s", types.ErrRegistration, e.Message)
	case CodeNotConnected:
		return fmt.Errorf("%w: %s", types.ErrNotConnected, e.Message)
	}
	return e
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}

func (w *wireConversation) toRemote() *protocol.RemoteConversation {
	kind := types.ConversationDM
	if w.Kind == string(types.ConversationGroup) {
		kind = types.ConversationGroup
	}
	return &protocol.RemoteConversation{
		ID:             w.ID,
		Kind:           kind,
		PeerInboxID:    types.NewInboxID(w.PeerInboxID),
		Name:           w.Name,
		AvatarURL:      w.AvatarURL,
		MemberInboxIDs: inboxIDs(w.Members),
		Admins:         inboxIDs(w.Admins),
		SuperAdmins:    inboxIDs(w.SuperAdmins),
		CreatedAt:      fromNanos(w.CreatedAtNs),
		LastMessageAt:  fromNanos(w.LastMessageNs),
	}
}
