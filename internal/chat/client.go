package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/backoff"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the connection state of a chat Client.
type State string

const (
	StateClosed             State = "closed"
	StateConnecting         State = "connecting"
	StateOpen               State = "open"
	StateReconnectScheduled State = "reconnect_scheduled"
)

const (
	writeWait                  = 10 * time.Second
	handshakeWait              = 10 * time.Second
	defaultSubscribeRetries    = 3
	defaultSubscribeRetryDelay = 500 * time.Millisecond
)

var (
	// ErrNotConnected is returned by Send when the socket is not open. The
	// message is not queued.
	ErrNotConnected = errors.New("chat: not connected")
	// ErrInvalidRoom is returned for a non-positive room id.
	ErrInvalidRoom     = errors.New("chat: invalid room id")
	errMissingURL      = errors.New("chat: socket url required")
	errHandshakeFailed = errors.New("chat: stomp handshake failed")
)

// Config describes a chat Client.
type Config struct {
	URL                 string
	AccessToken         string
	SenderID            int64
	Policy              backoff.Policy
	SubscribeRetries    int
	SubscribeRetryDelay time.Duration
	Dialer              *websocket.Dialer
	Logger              *zap.Logger
}

// Status is a point-in-time view of a chat Client.
type Status struct {
	State    State
	RoomID   int64
	Attempt  int
	Terminal bool
}

type pendingSubscription struct {
	roomID  int64
	attempt int
}

// Client is a STOMP-over-websocket chat connection scoped to one room at a
// time. Messages for any room other than the current one are dropped.
type Client struct {
	url              string
	accessToken      string
	senderID         int64
	policy           backoff.Policy
	subscribeRetries int
	subscribeDelay   time.Duration
	dialer           *websocket.Dialer
	logger           *zap.Logger

	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	roomID         int64
	subscriptionID string
	messages       []Message
	failures       int
	terminal       bool
	generation     uint64
	cancel         context.CancelFunc
	timer          *time.Timer
	pending        map[string]pendingSubscription
	listeners      map[int64]func(Message)
	nextListener   int64
}

// NewClient validates cfg and constructs a closed Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	retries := cfg.SubscribeRetries
	if retries <= 0 {
		retries = defaultSubscribeRetries
	}
	retryDelay := cfg.SubscribeRetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultSubscribeRetryDelay
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:              cfg.URL,
		accessToken:      cfg.AccessToken,
		senderID:         cfg.SenderID,
		policy:           cfg.Policy,
		subscribeRetries: retries,
		subscribeDelay:   retryDelay,
		dialer:           dialer,
		logger:           logger.Named("chat"),
		state:            StateClosed,
		pending:          make(map[string]pendingSubscription),
		listeners:        make(map[int64]func(Message)),
	}, nil
}

// Open connects the socket and subscribes to roomID once connected. Opening
// the client for another room switches rooms and returns the previous room's
// messages.
func (c *Client) Open(roomID int64) ([]Message, error) {
	if roomID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRoom, roomID)
	}
	c.mu.Lock()
	if c.state != StateClosed {
		sameRoom := c.roomID == roomID
		c.mu.Unlock()
		if !sameRoom {
			return c.SwitchRoom(roomID)
		}
		return nil, nil
	}
	var previous []Message
	if c.roomID != roomID {
		previous = c.messages
		c.messages = nil
	}
	c.roomID = roomID
	c.failures = 0
	c.terminal = false
	c.startLocked()
	c.mu.Unlock()
	return previous, nil
}

// SwitchRoom makes roomID current and returns the previous room's buffered
// messages. The old subscription is dropped before the new one is made.
func (c *Client) SwitchRoom(roomID int64) ([]Message, error) {
	if roomID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRoom, roomID)
	}
	c.mu.Lock()
	if c.roomID == roomID {
		c.mu.Unlock()
		return nil, nil
	}
	previous := c.messages
	oldSubscription := c.subscriptionID
	c.roomID = roomID
	c.messages = nil
	c.subscriptionID = ""
	conn := c.conn
	generation := c.generation
	open := c.state == StateOpen
	c.mu.Unlock()

	if open && conn != nil {
		if oldSubscription != "" {
			if err := c.writeFrame(conn, newFrame(commandUnsubscribe, "id", oldSubscription)); err != nil {
				c.logger.Warn("unsubscribe failed", zap.String("subscription", oldSubscription), zap.Error(err))
			}
		}
		c.subscribe(generation, roomID, 1)
	}
	return previous, nil
}

// Send publishes a message to the current room. It fails with
// ErrNotConnected instead of queueing when the socket is not open.
func (c *Client) Send(message Outgoing) error {
	c.mu.Lock()
	conn := c.conn
	roomID := c.roomID
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}

	body, err := json.Marshal(outgoingPayload{
		ChatRoomID: roomID,
		SenderID:   c.senderID,
		Text:       message.encodeText(),
	})
	if err != nil {
		return fmt.Errorf("chat: encode message: %w", err)
	}
	outgoing := newFrame(commandSend,
		"destination", sendDestination(roomID),
		"content-type", "application/json",
	)
	outgoing.Body = body
	if err := c.writeFrame(conn, outgoing); err != nil {
		return fmt.Errorf("chat: send: %w", err)
	}
	return nil
}

// Close unsubscribes, sends DISCONNECT and closes the socket, in that order.
// Each step is best effort.
func (c *Client) Close() {
	c.mu.Lock()
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	subscription := c.subscriptionID
	open := c.state == StateOpen
	c.mu.Unlock()

	if conn != nil {
		if open && subscription != "" {
			if err := c.writeFrame(conn, newFrame(commandUnsubscribe, "id", subscription)); err != nil {
				c.logger.Debug("unsubscribe on close failed", zap.Error(err))
			}
		}
		if open {
			if err := c.writeFrame(conn, newFrame(commandDisconnect, "receipt", "disconnect-"+uuid.NewString())); err != nil {
				c.logger.Debug("disconnect frame failed", zap.Error(err))
			}
		}
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.mu.Lock()
	c.conn = nil
	c.subscriptionID = ""
	c.pending = make(map[string]pendingSubscription)
	c.state = StateClosed
	c.mu.Unlock()
}

// Messages returns a copy of the current room's message sequence.
func (c *Client) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// OnMessage registers fn for messages accepted into the current room.
func (c *Client) OnMessage(fn func(Message)) func() {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:    c.state,
		RoomID:   c.roomID,
		Attempt:  c.failures,
		Terminal: c.terminal,
	}
}

func topicDestination(roomID int64) string {
	return fmt.Sprintf("/topic/chat/rooms/%d", roomID)
}

func sendDestination(roomID int64) string {
	return fmt.Sprintf("/app/chat/rooms/%d/messages", roomID)
}

func (c *Client) startLocked() {
	c.generation++
	generation := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	go c.run(ctx, generation)
}

func (c *Client) run(ctx context.Context, generation uint64) {
	conn, err := c.dial(ctx)
	if err != nil {
		c.fail(generation, err)
		return
	}

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.failures = 0
	c.terminal = false
	roomID := c.roomID
	c.mu.Unlock()

	c.logger.Info("chat socket open", zap.Int64("room_id", roomID))
	c.subscribe(generation, roomID, 1)
	c.readLoop(generation, conn)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.accessToken != "" {
		header.Set("Authorization", "Bearer "+c.accessToken)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("chat: dial: %w", err)
	}

	connect := newFrame(commandConnect,
		"accept-version", "1.2",
		"heart-beat", "0,0",
	)
	if c.accessToken != "" {
		connect.Header.Add("Authorization", "Bearer "+c.accessToken)
	}
	if err := c.writeFrame(conn, connect); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("chat: read handshake: %w", err)
	}
	reply, err := decodeFrame(raw)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if reply == nil || reply.Command != commandConnected {
		_ = conn.Close()
		if reply == nil {
			return nil, fmt.Errorf("%w: heart-beat before CONNECTED", errHandshakeFailed)
		}
		return nil, fmt.Errorf("%w: %s %s", errHandshakeFailed, reply.Command, reply.Header.Get("message"))
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) writeFrame(conn *websocket.Conn, outgoing *frame.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	writer, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := writeFrameTo(writer, outgoing); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// subscribe issues SUBSCRIBE for roomID if it is still current. Failures are
// retried after a fixed delay, not the reconnect backoff.
func (c *Client) subscribe(generation uint64, roomID int64, attempt int) {
	subscriptionID := "sub-" + uuid.NewString()
	receiptID := "subscribe-" + uuid.NewString()

	c.mu.Lock()
	if c.generation != generation || c.roomID != roomID || c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.subscriptionID = subscriptionID
	c.pending[receiptID] = pendingSubscription{roomID: roomID, attempt: attempt}
	c.mu.Unlock()

	subscribe := newFrame(commandSubscribe,
		"id", subscriptionID,
		"destination", topicDestination(roomID),
		"receipt", receiptID,
	)
	if err := c.writeFrame(conn, subscribe); err != nil {
		c.mu.Lock()
		delete(c.pending, receiptID)
		c.mu.Unlock()
		c.retrySubscribe(generation, roomID, attempt, err)
	}
}

func (c *Client) retrySubscribe(generation uint64, roomID int64, attempt int, cause error) {
	if attempt >= c.subscribeRetries {
		c.logger.Warn("giving up on room subscription",
			zap.Int64("room_id", roomID),
			zap.Int("attempts", attempt),
			zap.Error(cause))
		return
	}
	c.logger.Debug("room subscription failed, retrying",
		zap.Int64("room_id", roomID),
		zap.Int("attempt", attempt),
		zap.Error(cause))
	time.AfterFunc(c.subscribeDelay, func() {
		c.subscribe(generation, roomID, attempt+1)
	})
}

func (c *Client) readLoop(generation uint64, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.fail(generation, err)
			return
		}
		incoming, err := decodeFrame(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if incoming == nil {
			continue
		}
		switch incoming.Command {
		case commandMessage:
			c.handleMessage(incoming)
		case commandReceipt:
			c.mu.Lock()
			delete(c.pending, incoming.Header.Get("receipt-id"))
			c.mu.Unlock()
		case commandError:
			c.handleError(generation, incoming)
		default:
			c.logger.Debug("ignoring frame", zap.String("command", incoming.Command))
		}
	}
}

func (c *Client) handleMessage(incoming *frame.Frame) {
	var message Message
	if err := json.Unmarshal(incoming.Body, &message); err != nil {
		c.logger.Warn("dropping malformed chat message", zap.Error(err))
		return
	}
	message = message.normalize()

	c.mu.Lock()
	if incoming.Header.Get("subscription") != c.subscriptionID || message.ChatRoomID != c.roomID {
		c.mu.Unlock()
		c.logger.Debug("dropping message for stale room",
			zap.Int64("room_id", message.ChatRoomID),
			zap.Int64("message_id", message.MessageID))
		return
	}
	c.messages = append(c.messages, message)
	listeners := make([]func(Message), 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(message)
	}
}

func (c *Client) handleError(generation uint64, incoming *frame.Frame) {
	receiptID := incoming.Header.Get("receipt-id")
	c.mu.Lock()
	pending, ok := c.pending[receiptID]
	if ok {
		delete(c.pending, receiptID)
	}
	c.mu.Unlock()
	cause := fmt.Errorf("chat: server error: %s", incoming.Header.Get("message"))
	if ok {
		c.retrySubscribe(generation, pending.roomID, pending.attempt, cause)
		return
	}
	c.logger.Warn("chat server error", zap.String("message", incoming.Header.Get("message")))
}

// fail handles an unexpected close or failed dial with the chat retry policy.
func (c *Client) fail(generation uint64, cause error) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.subscriptionID = ""
	c.pending = make(map[string]pendingSubscription)
	c.failures++
	attempt := c.failures
	roomID := c.roomID

	if c.policy.Exhausted(attempt) {
		c.terminal = true
		c.state = StateClosed
		c.mu.Unlock()
		c.logger.Error("chat socket giving up",
			zap.Int64("room_id", roomID),
			zap.Int("attempts", attempt),
			zap.Error(cause))
		return
	}

	delay := c.policy.Delay(attempt)
	c.state = StateReconnectScheduled
	c.timer = time.AfterFunc(delay, func() {
		c.reconnect(generation)
	})
	c.mu.Unlock()

	c.logger.Warn("chat socket closed, reconnect scheduled",
		zap.Int64("room_id", roomID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
}

func (c *Client) reconnect(generation uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation || c.state != StateReconnectScheduled {
		return
	}
	c.timer = nil
	c.startLocked()
}
