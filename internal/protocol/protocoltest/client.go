// Package protocoltest provides a scripted in-memory protocol client for tests.
package protocoltest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/protocol"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/types"
)

// Client is safe for concurrent use. Configure the exported fields before handing it to
// the code under test, or use the setters afterwards.
type Client struct {
	mu sync.Mutex

	// InboxFor maps each signer address to the inbox id Connect assigns.
	InboxFor   map[types.Address]types.InboxID
	ConnectErr error

	// Inboxes answers ResolveInboxIDForAddress; missing addresses are "not found".
	Inboxes    map[types.Address]types.InboxID
	ResolveErr error

	// ResolveGate, when set, blocks every lookup until it is closed.
	ResolveGate chan struct{}

	Profiles   map[types.InboxID]*types.Profile
	ProfileErr error

	Conversations []*protocol.RemoteConversation
	History       map[string][]*types.Message
	SendErr       error

	session *protocol.Session
	events  chan types.Event
	sent    []string
	created int

	ConnectCalls    atomic.Int32
	DisconnectCalls atomic.Int32
	ResolveCalls    atomic.Int32
	ProfileCalls    atomic.Int32
	ListCalls       atomic.Int32
	LookupCalls     atomic.Int32
	HistoryCalls    atomic.Int32
	resolvedByAddr  sync.Map
}

func New() *Client {
	return &Client{
		InboxFor: make(map[types.Address]types.InboxID),
		Inboxes:  make(map[types.Address]types.InboxID),
		Profiles: make(map[types.InboxID]*types.Profile),
		History:  make(map[string][]*types.Message),
	}
}

var _ protocol.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context, signer protocol.Signer, opts protocol.ConnectOptions) (*protocol.Session, error) {
	c.ConnectCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	id, ok := c.InboxFor[signer.Address()]
	if !ok {
		if !opts.Register {
			return nil, fmt.Errorf("%w: %s is not registered", types.ErrRegistration, signer.Address())
		}
		id = types.NewInboxID("inbox-" + signer.Address().String())
		c.InboxFor[signer.Address()] = id
	}
	c.session = &protocol.Session{InboxID: id, InstallationID: "install-" + id.String()}
	c.events = make(chan types.Event, 64)
	s := *c.session
	return &s, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.DisconnectCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = nil
	if c.events != nil {
		close(c.events)
		c.events = nil
	}
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
	c.ProfileCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ProfileErr != nil {
		return nil, c.ProfileErr
	}
	p, ok := c.Profiles[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (c *Client) ResolveInboxIDForAddress(ctx context.Context, addr types.Address) (types.InboxID, error) {
	c.ResolveCalls.Add(1)
	n, _ := c.resolvedByAddr.LoadOrStore(addr, new(atomic.Int32))
	n.(*atomic.Int32).Add(1)

	c.mu.Lock()
	gate := c.ResolveGate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ResolveErr != nil {
		return "", c.ResolveErr
	}
	return c.Inboxes[addr], nil
}

// ResolveCallsFor counts lookups of one address.
func (c *Client) ResolveCallsFor(addr types.Address) int {
	n, ok := c.resolvedByAddr.Load(addr)
	if !ok {
		return 0
	}
	return int(n.(*atomic.Int32).Load())
}

func (c *Client) ListConversations(ctx context.Context) ([]*protocol.RemoteConversation, error) {
	c.ListCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, types.ErrNotConnected
	}
	out := make([]*protocol.RemoteConversation, 0, len(c.Conversations))
	for _, rc := range c.Conversations {
		cp := *rc
		out = append(out, &cp)
	}
	return out, nil
}

// GetConversation answers from Conversations; unknown ids are (nil, nil).
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*protocol.RemoteConversation, error) {
	c.LookupCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, types.ErrNotConnected
	}
	for _, rc := range c.Conversations {
		if rc.ID == conversationID {
			cp := *rc
			return &cp, nil
		}
	}
	return nil, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, after protocol.HistoryCursor, limit int) ([]*types.Message, error) {
	c.HistoryCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()

	history := append([]*types.Message(nil), c.History[conversationID]...)
	sort.SliceStable(history, func(i, j int) bool {
		return protocol.CursorAt(history[i]).Precedes(history[j])
	})
	var out []*types.Message
	for _, m := range history {
		if !after.Precedes(m) {
			continue
		}
		out = append(out, m.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *Client) CreateDM(ctx context.Context, peer types.InboxID) (*protocol.RemoteConversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	rc := &protocol.RemoteConversation{
		ID:          fmt.Sprintf("dm-%s-%d", peer, c.created),
		Kind:        types.ConversationDM,
		PeerInboxID: peer,
		CreatedAt:   time.Now(),
	}
	c.Conversations = append(c.Conversations, rc)
	cp := *rc
	return &cp, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, members types.InboxIDs) (*protocol.RemoteConversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	rc := &protocol.RemoteConversation{
		ID:             fmt.Sprintf("group-%d", c.created),
		Kind:           types.ConversationGroup,
		Name:           name,
		MemberInboxIDs: members,
		CreatedAt:      time.Now(),
	}
	c.Conversations = append(c.Conversations, rc)
	cp := *rc
	return &cp, nil
}

func (c *Client) LeaveGroup(ctx context.Context, conversationID string) error {
	return nil
}

func (c *Client) Send(ctx context.Context, conversationID string, body string, attachment *types.Attachment) (*protocol.SentMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return nil, c.SendErr
	}
	c.sent = append(c.sent, body)
	return &protocol.SentMessage{ID: fmt.Sprintf("sent-%d", len(c.sent)), SentAt: time.Now()}, nil
}

// Sent returns the bodies passed to Send.
func (c *Client) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *Client) Stream(ctx context.Context) (<-chan types.Event, error) {
	c.mu.Lock()
	src := c.events
	c.mu.Unlock()
	if src == nil {
		return nil, types.ErrNotConnected
	}

	out := make(chan types.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Emit pushes a live event to the open stream.
func (c *Client) Emit(ev types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil {
		c.events <- ev
	}
}

// SetResolveErr replaces the lookup error after construction.
func (c *Client) SetResolveErr(err error) {
	c.mu.Lock()
	c.ResolveErr = err
	c.mu.Unlock()
}

func (c *Client) SetProfile(p *types.Profile) {
	c.mu.Lock()
	c.Profiles[p.InboxID] = p
	c.mu.Unlock()
}
