package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/backoff"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/dispatch"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/resume"
	"go.uber.org/zap"
)

// State is the connection state of a Client.
type State string

const (
	StateClosed             State = "closed"
	StateConnecting         State = "connecting"
	StateOpen               State = "open"
	StateReconnectScheduled State = "reconnect_scheduled"
)

const defaultPath = "/notifications/subscribe"

var (
	// ErrEmptySubject is returned by Connect for a blank subject.
	ErrEmptySubject         = errors.New("stream: subject is required")
	errMissingBaseURL       = errors.New("stream: base url required")
	errMissingDispatcher    = errors.New("stream: dispatcher required")
	errMissingTokenStore    = errors.New("stream: token store required")
	errStreamEnded          = errors.New("stream: server closed the stream")
	errConnectionSuperseded = errors.New("stream: connection superseded")
)

// TokenStore persists the last processed event id per (channel, subject).
type TokenStore interface {
	Load(ctx context.Context, channel, subject string) (string, error)
	Save(ctx context.Context, channel, subject, eventID string) error
	Clear(ctx context.Context, channel, subject string) error
}

// Emitter receives typed stream events.
type Emitter interface {
	Emit(event dispatch.Event)
}

// StatusError reports a non-200 response to the subscribe request.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream: unexpected status %d", e.StatusCode)
}

// Config describes a Client.
type Config struct {
	BaseURL     string
	Path        string
	AccessToken string
	HTTPClient  *http.Client
	Policy      backoff.Policy
	Tokens      TokenStore
	Dispatcher  Emitter
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Status is a point-in-time view of a Client for connection-health indicators.
type Status struct {
	State        State
	Subject      string
	Attempt      int
	Terminal     bool
	LastError    string
	LastActivity time.Time
}

// Connected reports whether the stream is open. It says nothing about data
// loss; missed events are recovered through resumption.
func (s Status) Connected() bool {
	return s.State == StateOpen
}

// Client keeps one resumable server-sent-event connection per subject.
// Redundant Connect calls for the same subject converge on the existing
// connection; unexpected closes are retried per the backoff policy.
type Client struct {
	baseURL     *url.URL
	path        string
	accessToken string
	httpClient  *http.Client
	policy      backoff.Policy
	tokens      TokenStore
	dispatcher  Emitter
	logger      *zap.Logger
	clock       func() time.Time

	mu           sync.Mutex
	state        State
	subject      string
	failures     int
	terminal     bool
	lastErr      error
	lastActivity time.Time
	generation   uint64
	cancel       context.CancelFunc
	timer        *time.Timer
	leaseSubject string
	leases       int
}

// NewClient validates cfg and constructs a closed Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("stream: parse base url: %w", err)
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenStore
	}
	path := cfg.Path
	if path == "" {
		path = defaultPath
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Client{
		baseURL:     baseURL,
		path:        path,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		policy:      cfg.Policy,
		tokens:      cfg.Tokens,
		dispatcher:  cfg.Dispatcher,
		logger:      logger.Named("stream"),
		clock:       clock,
		state:       StateClosed,
	}, nil
}

// Connect opens the stream for subject. It is a no-op while a connection for
// the same subject is connecting, open or waiting to reconnect; a connection
// for another subject is torn down first.
func (c *Client) Connect(subject string) error {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ErrEmptySubject
	}
	c.mu.Lock()
	if c.subject == subject && c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	var changes []dispatch.ConnectionChange
	if c.state != StateClosed {
		c.teardownLocked()
		changes = append(changes, c.transitionLocked(StateClosed))
	}
	c.subject = subject
	c.failures = 0
	c.terminal = false
	c.lastErr = nil
	changes = append(changes, c.startLocked())
	c.mu.Unlock()

	c.emitChanges(changes)
	return nil
}

// Disconnect closes the stream and cancels any pending reconnect. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.leases = 0
	c.leaseSubject = ""
	change, changed := c.disconnectLocked()
	c.mu.Unlock()
	if changed {
		c.emitChanges([]dispatch.ConnectionChange{change})
	}
}

// Acquire connects for subject on behalf of one consumer and returns its
// release func. The connection is closed when the last consumer releases.
func (c *Client) Acquire(subject string) (func(), error) {
	subject = strings.TrimSpace(subject)
	if err := c.Connect(subject); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.leaseSubject != subject {
		c.leaseSubject = subject
		c.leases = 0
	}
	c.leases++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.release(subject) })
	}, nil
}

func (c *Client) release(subject string) {
	c.mu.Lock()
	if c.leaseSubject != subject || c.leases == 0 {
		c.mu.Unlock()
		return
	}
	c.leases--
	if c.leases > 0 {
		c.mu.Unlock()
		return
	}
	c.leaseSubject = ""
	change, changed := c.disconnectLocked()
	c.mu.Unlock()
	if changed {
		c.emitChanges([]dispatch.ConnectionChange{change})
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		State:        c.state,
		Subject:      c.subject,
		Attempt:      c.failures,
		Terminal:     c.terminal,
		LastActivity: c.lastActivity,
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

func (c *Client) disconnectLocked() (dispatch.ConnectionChange, bool) {
	c.teardownLocked()
	if c.state == StateClosed {
		return dispatch.ConnectionChange{}, false
	}
	return c.transitionLocked(StateClosed), true
}

func (c *Client) teardownLocked() {
	c.generation++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) startLocked() dispatch.ConnectionChange {
	c.generation++
	generation := c.generation
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	change := c.transitionLocked(StateConnecting)
	go c.run(ctx, generation, c.subject)
	return change
}

func (c *Client) transitionLocked(next State) dispatch.ConnectionChange {
	c.state = next
	return dispatch.ConnectionChange{
		Subject:  c.subject,
		State:    string(next),
		Attempt:  c.failures,
		Terminal: c.terminal,
	}
}

func (c *Client) emitChanges(changes []dispatch.ConnectionChange) {
	for index := range changes {
		change := changes[index]
		c.dispatcher.Emit(dispatch.Event{
			Kind:       dispatch.KindConnection,
			ReceivedAt: c.clock().UTC(),
			Connection: &change,
		})
	}
}

func (c *Client) current(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == generation
}

func (c *Client) run(ctx context.Context, generation uint64, subject string) {
	lastEventID, err := c.tokens.Load(ctx, resume.ChannelNotifications, subject)
	if err != nil {
		c.logger.Warn("failed to load resumption token", zap.String("subject", subject), zap.Error(err))
		lastEventID = ""
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.subscribeURL(lastEventID), http.NoBody)
	if err != nil {
		c.fail(generation, err)
		return
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-cache")

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.fail(generation, err)
		return
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		if lastEventID != "" && rejectsResumption(response.StatusCode) {
			c.forgetResumption(ctx, subject, lastEventID)
		}
		c.fail(generation, &StatusError{StatusCode: response.StatusCode})
		return
	}

	if !c.opened(generation, lastEventID) {
		return
	}

	err = c.consume(ctx, generation, subject, response.Body)
	if errors.Is(err, io.EOF) {
		err = errStreamEnded
	}
	c.fail(generation, err)
}

// rejectsResumption reports whether a subscribe status means the server will
// not replay from the requested id.
func rejectsResumption(statusCode int) bool {
	return statusCode == http.StatusBadRequest || statusCode == http.StatusGone
}

// forgetResumption drops a rejected token so the next attempt subscribes
// without replay. The first page refresh covers the gap.
func (c *Client) forgetResumption(ctx context.Context, subject, lastEventID string) {
	c.logger.Warn("server rejected resumption token",
		zap.String("subject", subject),
		zap.String("event_id", lastEventID))
	if err := c.tokens.Clear(ctx, resume.ChannelNotifications, subject); err != nil {
		c.logger.Warn("failed to clear resumption token", zap.String("subject", subject), zap.Error(err))
	}
}

func (c *Client) subscribeURL(lastEventID string) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + c.path
	query := target.Query()
	if c.accessToken != "" {
		query.Set("token", c.accessToken)
	}
	if lastEventID != "" {
		query.Set("lastEventId", lastEventID)
	}
	target.RawQuery = query.Encode()
	return target.String()
}

func (c *Client) opened(generation uint64, lastEventID string) bool {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return false
	}
	c.failures = 0
	c.terminal = false
	c.lastErr = nil
	c.lastActivity = c.clock().UTC()
	change := c.transitionLocked(StateOpen)
	subject := c.subject
	c.mu.Unlock()

	c.logger.Info("notification stream open",
		zap.String("subject", subject),
		zap.Bool("resuming", lastEventID != ""))
	c.emitChanges([]dispatch.ConnectionChange{change})
	return true
}

// fail records an unexpected close or failed attempt and either schedules a
// reconnect or, past the attempt ceiling, marks the client terminal.
func (c *Client) fail(generation uint64, cause error) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.failures++
	c.lastErr = cause
	changes := []dispatch.ConnectionChange{c.transitionLocked(StateClosed)}
	subject := c.subject
	attempt := c.failures

	if c.policy.Exhausted(attempt) {
		c.terminal = true
		changes[0].Terminal = true
		c.mu.Unlock()
		c.logger.Error("notification stream giving up",
			zap.String("subject", subject),
			zap.Int("attempts", attempt),
			zap.Error(cause))
		c.emitChanges(changes)
		return
	}

	delay := c.policy.Delay(attempt)
	c.timer = time.AfterFunc(delay, func() {
		c.reconnect(generation)
	})
	changes = append(changes, c.transitionLocked(StateReconnectScheduled))
	c.mu.Unlock()

	c.logger.Warn("notification stream closed, reconnect scheduled",
		zap.String("subject", subject),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause))
	c.emitChanges(changes)
}

func (c *Client) reconnect(generation uint64) {
	c.mu.Lock()
	if c.generation != generation || c.state != StateReconnectScheduled {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	change := c.startLocked()
	c.mu.Unlock()
	c.emitChanges([]dispatch.ConnectionChange{change})
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = c.clock().UTC()
	c.mu.Unlock()
}

func (c *Client) consume(ctx context.Context, generation uint64, subject string, body io.Reader) error {
	reader := newFrameReader(body, func(string) { c.touch() })
	for {
		next, err := reader.Next()
		if err != nil {
			return err
		}
		if !c.current(generation) {
			return errConnectionSuperseded
		}
		c.touch()
		c.handleFrame(ctx, subject, next)
	}
}

// handleFrame persists the frame's resumption id before any consumer sees the
// event, so an acknowledged event is never replayed after a crash.
func (c *Client) handleFrame(ctx context.Context, subject string, received frame) {
	if received.ID != "" {
		if err := c.tokens.Save(ctx, resume.ChannelNotifications, subject, received.ID); err != nil {
			c.logger.Warn("failed to persist resumption token",
				zap.String("subject", subject),
				zap.String("event_id", received.ID),
				zap.Error(err))
		}
	}

	if received.Oversized {
		c.logger.Warn("dropping oversized stream event",
			zap.String("event", received.Event),
			zap.String("event_id", received.ID),
			zap.Int("limit_bytes", maxLineBytes))
		return
	}

	event, err := decodeFrame(received)
	if err != nil {
		c.logger.Warn("dropping malformed stream event",
			zap.String("event", received.Event),
			zap.String("event_id", received.ID),
			zap.Error(err))
		return
	}
	if event.Kind == "" {
		c.logger.Debug("ignoring stream event", zap.String("event", received.Event))
		return
	}
	event.ReceivedAt = c.clock().UTC()

	switch event.Kind {
	case dispatch.KindMissedNotification:
		c.logger.Info("replayed missed notification",
			zap.String("subject", subject),
			zap.Int64("notification_id", event.Notification.NotificationID),
			zap.String("event_id", received.ID))
	case dispatch.KindNotification:
		c.logger.Debug("live notification",
			zap.String("subject", subject),
			zap.Int64("notification_id", event.Notification.NotificationID))
	}
	c.dispatcher.Emit(event)
}
