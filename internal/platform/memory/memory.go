// Package memory is an in-process platform driver.
//
// It backs the `platform.driver: memory` dry-run configuration and the unit
// tests of the dispatcher and monitor: dialogs, message history, send failures
// and inbound events are all scriptable per client.
package memory

import (
	"context"
	"strings"
	"sync"

	"reachbot/internal/platform"
)

// Dialer hands out pre-scripted clients keyed by session credential.
// Unknown sessions get a fresh empty client (every send succeeds).
type Dialer struct {
	mu      sync.Mutex
	clients map[string]*Client
	dials   int

	// DialErr, when set, fails every Dial with this error.
	DialErr error
}

func NewDialer() *Dialer {
	return &Dialer{clients: map[string]*Client{}}
}

// Add registers a scripted client for a session credential.
func (d *Dialer) Add(session string, c *Client) {
	d.mu.Lock()
	d.clients[session] = c
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, session string) (platform.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	c, ok := d.clients[session]
	if !ok {
		c = NewClient()
		d.clients[session] = c
	}
	return c, nil
}

// Dials reports how many times Dial has been called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Sent is one delivered message, recorded for assertions.
type Sent struct {
	Entity platform.Entity
	Text   string
}

// Client is a scriptable platform session.
type Client struct {
	mu sync.Mutex

	// emitMu serializes Emit against the channel close in Drop/Close, so an
	// in-flight send can never hit a just-closed channel. Always taken
	// before mu.
	emitMu sync.Mutex

	user      platform.User
	dialogs   []platform.Dialog
	recent    map[int64][]platform.Message // entity id -> history, newest first
	byID      map[int64]map[int]platform.Message
	sendErr   map[int64]error // entity id -> forced send failure
	resolvErr error           // forced failure for all resolution calls

	connected  bool
	connectErr error

	sent   []Sent
	events chan platform.Event
}

func NewClient() *Client {
	return &Client{
		recent:  map[int64][]platform.Message{},
		byID:    map[int64]map[int]platform.Message{},
		sendErr: map[int64]error{},
		events:  make(chan platform.Event, 32),
	}
}

// ---- scripting surface ----

func (c *Client) SetUser(u platform.User) {
	c.mu.Lock()
	c.user = u
	c.mu.Unlock()
}

func (c *Client) SetDialogs(ds ...platform.Dialog) {
	c.mu.Lock()
	c.dialogs = append([]platform.Dialog(nil), ds...)
	c.mu.Unlock()
}

func (c *Client) SetRecent(entityID int64, msgs ...platform.Message) {
	c.mu.Lock()
	c.recent[entityID] = append([]platform.Message(nil), msgs...)
	c.mu.Unlock()
}

func (c *Client) SetMessage(chatID int64, m platform.Message) {
	c.mu.Lock()
	if c.byID[chatID] == nil {
		c.byID[chatID] = map[int]platform.Message{}
	}
	c.byID[chatID][m.ID] = m
	c.mu.Unlock()
}

// FailSends forces SendText to the given entity to fail with err.
func (c *Client) FailSends(entityID int64, err error) {
	c.mu.Lock()
	c.sendErr[entityID] = err
	c.mu.Unlock()
}

// FailResolution makes every cache-miss resolution call fail with err.
func (c *Client) FailResolution(err error) {
	c.mu.Lock()
	c.resolvErr = err
	c.mu.Unlock()
}

func (c *Client) SetConnectErr(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

// Drop simulates the connection going away: Connected turns false and the
// event stream is closed.
func (c *Client) Drop() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.connected {
		c.connected = false
		close(c.events)
	}
	c.mu.Unlock()
}

// Emit pushes an inbound event to the monitoring stream.
func (c *Client) Emit(ev platform.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	ch := c.events
	connected := c.connected
	c.mu.Unlock()
	if connected {
		ch <- ev
	}
}

// SentMessages returns a copy of everything delivered through this client.
func (c *Client) SentMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// ---- platform.Client ----

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	if !c.connected {
		c.connected = true
		c.events = make(chan platform.Event, 32)
	}
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.connected {
		c.connected = false
		close(c.events)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) Me(ctx context.Context) (platform.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user, nil
}

func (c *Client) Dialogs(ctx context.Context, limit int) ([]platform.Dialog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ds := c.dialogs
	if limit > 0 && limit < len(ds) {
		ds = ds[:limit]
	}
	return append([]platform.Dialog(nil), ds...), nil
}

func (c *Client) Resolve(ctx context.Context, username string) (platform.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolvErr != nil {
		return platform.Entity{}, c.resolvErr
	}
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	for _, d := range c.dialogs {
		if strings.ToLower(d.Username) == username && d.Username != "" {
			return platform.Entity{ID: d.ID, Username: d.Username, Kind: d.Kind}, nil
		}
	}
	return platform.Entity{}, platform.ErrNotFound
}

func (c *Client) ResolveID(ctx context.Context, id int64) (platform.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolvErr != nil {
		return platform.Entity{}, c.resolvErr
	}
	for _, d := range c.dialogs {
		if d.ID == id {
			return platform.Entity{ID: d.ID, Username: d.Username, Kind: d.Kind}, nil
		}
	}
	return platform.Entity{}, platform.ErrNotFound
}

func (c *Client) RecentMessages(ctx context.Context, e platform.Entity, limit int) ([]platform.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.recent[e.ID]
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	return append([]platform.Message(nil), msgs...), nil
}

func (c *Client) MessageByID(ctx context.Context, chatID int64, id int) (*platform.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.byID[chatID][id]; ok {
		cp := m
		return &cp, nil
	}
	return nil, platform.ErrNotFound
}

func (c *Client) SendText(ctx context.Context, e platform.Entity, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendErr[e.ID]; err != nil {
		return err
	}
	c.sent = append(c.sent, Sent{Entity: e, Text: text})
	return nil
}

func (c *Client) Events() <-chan platform.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}
