package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/1ureka/coact/internal/link"
	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/util"
)

// Client is one peer's connection to the hub. It multiplexes virtual links,
// mail and signaling over a single WebSocket.
type Client struct {
	self protocol.PeerID
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	links    map[string]*virtualLink
	closed   *lru.Cache[string, struct{}] // ids of links that ended here
	onSignal func(from protocol.PeerID, sig *Signal)

	mailMu   sync.Mutex
	onMail   func(from protocol.PeerID, data []byte)
	unopened []*Message // mail received before OnMail was called

	accept    chan link.Conn
	done      chan struct{}
	closeOnce sync.Once
}

type virtualLink struct {
	*link.ChanConn
	id   string
	peer protocol.PeerID
}

// closedLinkMemory is how many ended link ids a client remembers, so that
// frames still in flight for them are dropped instead of opening a link.
const closedLinkMemory = 1024

// Connect logs self in to the hub at wsURL (e.g. ws://host:8080/ws).
func Connect(ctx context.Context, wsURL string, self protocol.PeerID, pin string) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", wsURL, err)
	}
	q := u.Query()
	q.Set("peer", string(self))
	q.Set("pin", pin)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	closed, _ := lru.New[string, struct{}](closedLinkMemory)
	c := &Client{
		self:   self,
		conn:   conn,
		links:  make(map[string]*virtualLink),
		closed: closed,
		accept: make(chan link.Conn, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	util.LogInfo("connected to relay %s as %s", u.Host, self)
	return c, nil
}

// Self returns the id the client logged in with.
func (c *Client) Self() protocol.PeerID { return c.self }

// Done is closed once the hub connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// OnSignal registers the WebRTC signaling handler. It runs on the read loop.
func (c *Client) OnSignal(fn func(from protocol.PeerID, sig *Signal)) {
	c.mu.Lock()
	c.onSignal = fn
	c.mu.Unlock()
}

// OnMail registers the mail handler. It runs on the read loop. Mail that
// arrived earlier, e.g. flushed by the hub right after login, is handed to fn
// before OnMail returns.
func (c *Client) OnMail(fn func(from protocol.PeerID, data []byte)) {
	c.mailMu.Lock()
	defer c.mailMu.Unlock()
	c.onMail = fn
	for _, msg := range c.unopened {
		fn(msg.From, msg.Data)
	}
	c.unopened = nil
}

func (c *Client) send(msg *Message) error {
	select {
	case <-c.done:
		return link.ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// SendSignal forwards a signaling step to peer.
func (c *Client) SendSignal(peer protocol.PeerID, sig *Signal) error {
	return c.send(&Message{Type: MsgTypeSignal, To: peer, Signal: sig})
}

// Post sends mail to peer. The hub keeps it if peer is offline.
func (c *Client) Post(peer protocol.PeerID, data []byte) error {
	return c.send(&Message{Type: MsgTypeMail, To: peer, Data: data})
}

// ---------------------------------------------------------------------------
// Virtual links
// ---------------------------------------------------------------------------

// Mode implements session.Dialer and session.Listener.
func (c *Client) Mode() protocol.TransferMode { return protocol.ModeRelay }

// CanDial reports whether the hub connection is up.
func (c *Client) CanDial(protocol.PeerID) bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Dial opens a virtual link to peer. An offline peer terminates the link as
// soon as the hub answers the first frame.
func (c *Client) Dial(ctx context.Context, peer protocol.PeerID) (link.Conn, error) {
	if !c.CanDial(peer) {
		return nil, link.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.newLink(uuid.NewString(), peer), nil
}

// Accept returns the next virtual link opened by a remote peer.
func (c *Client) Accept(ctx context.Context) (link.Conn, error) {
	select {
	case conn := <-c.accept:
		return conn, nil
	case <-c.done:
		return nil, link.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) newLink(id string, peer protocol.PeerID) *virtualLink {
	vl := &virtualLink{id: id, peer: peer}
	vl.ChanConn = link.NewChanConn(
		func(frame []byte) error {
			return c.send(&Message{Type: MsgTypeFrame, To: peer, Link: id, Data: frame})
		},
		func() {
			c.forget(id)
			c.send(&Message{Type: MsgTypeClose, To: peer, Link: id})
		},
		link.DefaultInboxSize,
	)

	c.mu.Lock()
	c.links[id] = vl
	c.mu.Unlock()
	return vl
}

func (c *Client) forget(id string) *virtualLink {
	c.mu.Lock()
	defer c.mu.Unlock()
	vl, ok := c.links[id]
	if ok {
		delete(c.links, id)
		c.closed.Add(id, struct{}{})
	}
	return vl
}

// ---------------------------------------------------------------------------
// Read loop
// ---------------------------------------------------------------------------

func (c *Client) readLoop() {
	defer c.shutdown()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, websocket.ErrCloseSent) {
					util.LogWarning("relay connection lost: %v", err)
				}
			}
			return
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	switch msg.Type {
	case MsgTypeFrame:
		c.mu.Lock()
		vl, ok := c.links[msg.Link]
		ended := !ok && c.closed.Contains(msg.Link)
		c.mu.Unlock()
		if ended {
			util.PeerDebugf(string(msg.From), "frame for ended link %s dropped", msg.Link)
			return
		}
		if !ok {
			vl = c.newLink(msg.Link, msg.From)
			select {
			case c.accept <- vl:
				util.PeerDebugf(string(msg.From), "incoming relayed link %s", msg.Link)
			default:
				util.PeerLogf(string(msg.From), "accept queue full, refusing relayed link")
				vl.Close()
				return
			}
		}
		if err := vl.Deliver(msg.Data); err != nil {
			util.PeerDebugf(string(msg.From), "frame for closed link %s dropped", msg.Link)
		}

	case MsgTypeClose:
		if vl := c.forget(msg.Link); vl != nil {
			vl.Terminate()
		}

	case MsgTypeOffline:
		// From names the unreachable peer; without a link id every link
		// to that peer is gone.
		c.mu.Lock()
		var gone []*virtualLink
		for id, vl := range c.links {
			if id == msg.Link || (msg.Link == "" && vl.peer == msg.From) {
				gone = append(gone, vl)
				delete(c.links, id)
				c.closed.Add(id, struct{}{})
			}
		}
		c.mu.Unlock()
		for _, vl := range gone {
			util.PeerDebugf(string(vl.peer), "relayed link %s: %v", vl.id, ErrPeerOffline)
			vl.Terminate()
		}

	case MsgTypeSignal:
		c.mu.Lock()
		fn := c.onSignal
		c.mu.Unlock()
		if fn != nil && msg.Signal != nil {
			fn(msg.From, msg.Signal)
		}

	case MsgTypeMail:
		c.mailMu.Lock()
		if c.onMail != nil {
			c.onMail(msg.From, msg.Data)
		} else {
			c.unopened = append(c.unopened, msg)
		}
		c.mailMu.Unlock()
	}
}

// Close logs out and terminates all virtual links. Safe to call multiple
// times.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		links := c.links
		c.links = make(map[string]*virtualLink)
		c.mu.Unlock()
		for _, vl := range links {
			vl.Terminate()
		}
	})
}
