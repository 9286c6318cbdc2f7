package notifications

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/dispatch"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/model"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/push"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/stream"
	"go.uber.org/zap"
)

var (
	errMissingSubject = errors.New("notifications: subject required")
	errMissingAPI     = errors.New("notifications: api client required")
	errMissingStream  = errors.New("notifications: stream client required")
	errMissingEvents  = errors.New("notifications: event source required")
	// ErrStoreClosed is returned by operations on a closed Store.
	ErrStoreClosed = errors.New("notifications: store closed")
)

// API is the subset of the backend the store reconciles against.
type API interface {
	FetchPage(ctx context.Context, cursor int64, size int) (Page, error)
	Delete(ctx context.Context, notificationID int64) error
	UnreadCount(ctx context.Context) (int, error)
	MarkAllRead(ctx context.Context) error
}

// StreamConnector shares one stream connection between consumers.
type StreamConnector interface {
	Acquire(subject string) (func(), error)
	Status() stream.Status
}

// EventSource delivers typed stream events.
type EventSource interface {
	AddListener(kind dispatch.Kind, fn dispatch.Listener) dispatch.ListenerID
	RemoveListener(kind dispatch.Kind, id dispatch.ListenerID) bool
}

// PushSource signals pushes received in the foreground.
type PushSource interface {
	OnForegroundPush(fn func(push.Message)) func()
}

// Snapshot is the state one consumer renders from.
type Snapshot struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
	IsConnected   bool                 `json:"isConnected"`
}

// StoreConfig describes a Store. Push is optional.
type StoreConfig struct {
	Subject  string
	API      API
	Stream   StreamConnector
	Events   EventSource
	Push     PushSource
	PageSize int
	Logger   *zap.Logger
}

type listenerRegistration struct {
	kind dispatch.Kind
	id   dispatch.ListenerID
}

// Store keeps the notification list and unread count of one consumer.
//
// The list and the count are tracked independently: the count may come from
// the server and exceed the loaded page. They are reconciled only by
// MarkAllAsRead and by Refresh, which replaces both from one response.
type Store struct {
	subject  string
	api      API
	stream   StreamConnector
	events   EventSource
	push     PushSource
	pageSize int
	logger   *zap.Logger

	mu          sync.Mutex
	items       []model.Notification
	seen        map[int64]struct{}
	unread      int
	connected   bool
	cursor      int64
	hasNext     bool
	started     bool
	closed      bool
	release     func()
	removePush  func()
	listeners   []listenerRegistration
	background  context.Context
	cancel      context.CancelFunc
	observers   map[int64]func(Snapshot)
	nextObserve int64
}

// NewStore constructs a Store. Nothing is fetched or connected until Start.
func NewStore(cfg StoreConfig) (*Store, error) {
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		return nil, errMissingSubject
	}
	if cfg.API == nil {
		return nil, errMissingAPI
	}
	if cfg.Stream == nil {
		return nil, errMissingStream
	}
	if cfg.Events == nil {
		return nil, errMissingEvents
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		subject:   subject,
		api:       cfg.API,
		stream:    cfg.Stream,
		events:    cfg.Events,
		push:      cfg.Push,
		pageSize:  pageSize,
		logger:    logger.Named("notifications").With(zap.String("subject", subject)),
		seen:      make(map[int64]struct{}),
		observers: make(map[int64]func(Snapshot)),
	}, nil
}

// Start attaches the store to the stream and performs the authoritative
// first-page refresh. Calling Start again is a no-op.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	background, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.background = background
	s.cancel = cancel
	s.mu.Unlock()

	registrations := []listenerRegistration{
		{kind: dispatch.KindNotification, id: s.events.AddListener(dispatch.KindNotification, s.handleNotification)},
		{kind: dispatch.KindMissedNotification, id: s.events.AddListener(dispatch.KindMissedNotification, s.handleNotification)},
		{kind: dispatch.KindUnreadCount, id: s.events.AddListener(dispatch.KindUnreadCount, s.handleUnreadCount)},
		{kind: dispatch.KindConnection, id: s.events.AddListener(dispatch.KindConnection, s.handleConnection)},
	}
	var removePush func()
	if s.push != nil {
		removePush = s.push.OnForegroundPush(func(push.Message) {
			go s.refreshOnWake(background)
		})
	}
	release, err := s.stream.Acquire(s.subject)
	if err != nil {
		s.logger.Warn("stream acquire failed", zap.Error(err))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		detach(s.events, registrations, removePush, release)
		return ErrStoreClosed
	}
	s.listeners = registrations
	s.removePush = removePush
	s.release = release
	status := s.stream.Status()
	s.connected = status.Subject == s.subject && status.Connected()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return s.Refresh(ctx)
}

// syncOnOpen reconciles the unread count after the stream (re)opens. Count
// changes made while disconnected are not replayed as events.
func (s *Store) syncOnOpen(ctx context.Context) {
	if err := s.SyncUnreadCount(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrStoreClosed) {
		s.logger.Warn("unread count sync failed", zap.Error(err))
	}
}

func (s *Store) refreshOnWake(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("refresh after push failed", zap.Error(err))
	}
}

// Close detaches the store from the stream and the push source.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	registrations := s.listeners
	release := s.release
	removePush := s.removePush
	cancel := s.cancel
	s.listeners = nil
	s.release = nil
	s.removePush = nil
	s.observers = make(map[int64]func(Snapshot))
	s.mu.Unlock()

	detach(s.events, registrations, removePush, release)
	if cancel != nil {
		cancel()
	}
}

func detach(events EventSource, registrations []listenerRegistration, removePush, release func()) {
	for _, registration := range registrations {
		events.RemoveListener(registration.kind, registration.id)
	}
	if removePush != nil {
		removePush()
	}
	if release != nil {
		release()
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Notifications: append([]model.Notification{}, s.items...),
		UnreadCount:   s.unread,
		IsConnected:   s.connected,
	}
}

// OnChange registers fn to receive every new snapshot and returns its
// removal func.
func (s *Store) OnChange(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.nextObserve++
	id := s.nextObserve
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// publishLocked returns a func delivering the current snapshot to observers.
// Call it after releasing the lock.
func (s *Store) publishLocked() func() {
	snapshot := s.snapshotLocked()
	observers := make([]func(Snapshot), 0, len(s.observers))
	for _, observer := range s.observers {
		observers = append(observers, observer)
	}
	return func() {
		for _, observer := range observers {
			observer(snapshot)
		}
	}
}

// Refresh replaces the list and the unread count from one first-page
// response.
func (s *Store) Refresh(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	page, err := s.api.FetchPage(ctx, 0, s.pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.items = s.items[:0]
	s.seen = make(map[int64]struct{}, len(page.Notifications))
	for _, notification := range page.Notifications {
		if _, duplicate := s.seen[notification.NotificationID]; duplicate {
			continue
		}
		s.seen[notification.NotificationID] = struct{}{}
		s.items = append(s.items, notification)
	}
	s.unread = page.UnreadCount
	s.cursor = page.NextCursor
	s.hasNext = page.HasNext
	publish := s.publishLocked()
	s.mu.Unlock()

	publish()
	s.logger.Debug("notifications refreshed",
		zap.Int("loaded", len(page.Notifications)),
		zap.Int("unread", page.UnreadCount))
	return nil
}

// LoadMore appends the next page. The unread count is left alone.
func (s *Store) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if !s.hasNext {
		s.mu.Unlock()
		return nil
	}
	cursor := s.cursor
	s.mu.Unlock()

	page, err := s.api.FetchPage(ctx, cursor, s.pageSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, notification := range page.Notifications {
		if _, duplicate := s.seen[notification.NotificationID]; duplicate {
			continue
		}
		s.seen[notification.NotificationID] = struct{}{}
		s.items = append(s.items, notification)
	}
	s.cursor = page.NextCursor
	s.hasNext = page.HasNext
	publish := s.publishLocked()
	s.mu.Unlock()

	publish()
	return nil
}

// HasMore reports whether another page can be loaded.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasNext
}

// MarkAllAsRead zeroes the count and marks every loaded item read before
// calling the server. A server failure is returned but not rolled back.
func (s *Store) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.unread = 0
	for index := range s.items {
		s.items[index].IsRead = true
	}
	publish := s.publishLocked()
	s.mu.Unlock()
	publish()

	if err := s.api.MarkAllRead(ctx); err != nil {
		s.logger.Warn("mark all read failed", zap.Error(err))
		return err
	}
	return nil
}

// Delete removes the notification locally before calling the server. A
// server failure is returned for the caller to retry; the item stays removed.
// A notification the server no longer has counts as deleted.
func (s *Store) Delete(ctx context.Context, notificationID int64) error {
	if notificationID <= 0 {
		return model.ErrInvalidNotificationID
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	for index, notification := range s.items {
		if notification.NotificationID == notificationID {
			s.items = append(s.items[:index], s.items[index+1:]...)
			break
		}
	}
	publish := s.publishLocked()
	s.mu.Unlock()
	publish()

	if err := s.api.Delete(ctx, notificationID); err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil
		}
		s.logger.Warn("delete failed", zap.Int64("notification_id", notificationID), zap.Error(err))
		return err
	}
	return nil
}

// SyncUnreadCount replaces the unread count from the count-only endpoint.
func (s *Store) SyncUnreadCount(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	count, err := s.api.UnreadCount(ctx)
	if err != nil {
		return err
	}
	s.setUnread(count)
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) setUnread(count int) {
	s.mu.Lock()
	if s.closed || s.unread == count {
		s.mu.Unlock()
		return
	}
	s.unread = count
	publish := s.publishLocked()
	s.mu.Unlock()
	publish()
}

func (s *Store) handleNotification(event dispatch.Event) {
	if event.Notification == nil {
		return
	}
	notification := *event.Notification

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, duplicate := s.seen[notification.NotificationID]; duplicate {
		s.mu.Unlock()
		s.logger.Debug("duplicate notification ignored", zap.Int64("notification_id", notification.NotificationID))
		return
	}
	s.seen[notification.NotificationID] = struct{}{}
	s.items = insertNewestFirst(s.items, notification, event.Kind == dispatch.KindNotification)
	if !notification.IsRead {
		s.unread++
	}
	publish := s.publishLocked()
	s.mu.Unlock()
	publish()
}

// insertNewestFirst puts a live notification at the front and a replayed one
// at its creation-time position.
func insertNewestFirst(items []model.Notification, notification model.Notification, live bool) []model.Notification {
	position := 0
	if !live {
		position = len(items)
		for index, existing := range items {
			if existing.CreatedAt.Before(notification.CreatedAt) {
				position = index
				break
			}
		}
	}
	items = append(items, model.Notification{})
	copy(items[position+1:], items[position:])
	items[position] = notification
	return items
}

func (s *Store) handleUnreadCount(event dispatch.Event) {
	if event.UnreadCount == nil {
		return
	}
	s.setUnread(event.UnreadCount.Count)
}

func (s *Store) handleConnection(event dispatch.Event) {
	if event.Connection == nil || event.Connection.Subject != s.subject {
		return
	}
	connected := event.Connection.State == string(stream.StateOpen)
	s.mu.Lock()
	if s.closed || s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	background := s.background
	publish := s.publishLocked()
	s.mu.Unlock()
	publish()
	if connected && background != nil {
		go s.syncOnOpen(background)
	}
}
