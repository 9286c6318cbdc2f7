package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/alerts"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/chat"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/dispatch"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/model"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/notifications"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/push"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/stream"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultKeepAlive = 25 * time.Second

var (
	errMissingNotificationStore = errors.New("notification store dependency required")
	errMissingStreamStatus      = errors.New("stream status dependency required")
	errMissingEventFeed         = errors.New("event feed dependency required")
	errMissingChatRoom          = errors.New("chat room dependency required")
	errMissingToastHistory      = errors.New("toast history dependency required")
	errMissingPushReceiver      = errors.New("push receiver dependency required")
	errMissingCreator           = errors.New("notification creator dependency required")
)

var relayedKinds = []dispatch.Kind{
	dispatch.KindNotification,
	dispatch.KindMissedNotification,
	dispatch.KindUnreadCount,
	dispatch.KindHeartbeat,
	dispatch.KindConnection,
}

// NotificationStore is the snapshot owner served to local consumers.
type NotificationStore interface {
	Snapshot() notifications.Snapshot
	Refresh(ctx context.Context) error
	LoadMore(ctx context.Context) error
	MarkAllAsRead(ctx context.Context) error
	Delete(ctx context.Context, notificationID int64) error
	HasMore() bool
}

// NotificationCreator originates notifications for other users.
type NotificationCreator interface {
	Create(ctx context.Context, request notifications.CreateRequest) (model.Notification, error)
}

// PushReceiver accepts pushes forwarded by the page's service worker.
type PushReceiver interface {
	Deliver(message push.Message)
}

// StreamStatus reports the notification stream connection.
type StreamStatus interface {
	Status() stream.Status
}

// EventFeed relays dispatcher events to channel subscribers.
type EventFeed interface {
	Subscribe(ctx context.Context) (<-chan dispatch.Event, func())
	ListenerCount(kind dispatch.Kind) int
}

// ChatRoom is the chat socket as seen by local consumers.
type ChatRoom interface {
	Open(roomID int64) ([]chat.Message, error)
	Send(message chat.Outgoing) error
	Messages() []chat.Message
	Status() chat.Status
}

// ToastHistory lists recent in-app toasts.
type ToastHistory interface {
	History() []alerts.Toast
}

// Dependencies wires the gateway to the running client.
type Dependencies struct {
	Notifications  NotificationStore
	Stream         StreamStatus
	Events         EventFeed
	Chat           ChatRoom
	Toasts         ToastHistory
	Push           PushReceiver
	Creator        NotificationCreator
	AllowedOrigins []string
	KeepAlive      time.Duration
	Logger         *zap.Logger
}

// NewHTTPHandler builds the local gateway router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Notifications == nil {
		return nil, errMissingNotificationStore
	}
	if deps.Stream == nil {
		return nil, errMissingStreamStatus
	}
	if deps.Events == nil {
		return nil, errMissingEventFeed
	}
	if deps.Chat == nil {
		return nil, errMissingChatRoom
	}
	if deps.Toasts == nil {
		return nil, errMissingToastHistory
	}
	if deps.Push == nil {
		return nil, errMissingPushReceiver
	}
	if deps.Creator == nil {
		return nil, errMissingCreator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	keepAlive := deps.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		notifications: deps.Notifications,
		stream:        deps.Stream,
		events:        deps.Events,
		chat:          deps.Chat,
		toasts:        deps.Toasts,
		push:          deps.Push,
		creator:       deps.Creator,
		keepAlive:     keepAlive,
		logger:        logger.Named("gateway"),
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.GET("/status", handler.handleStatus)
	api.GET("/notifications", handler.handleSnapshot)
	api.POST("/notifications", handler.handleCreate)
	api.POST("/notifications/refresh", handler.handleRefresh)
	api.POST("/notifications/more", handler.handleLoadMore)
	api.POST("/notifications/read-all", handler.handleMarkAllRead)
	api.DELETE("/notifications/:id", handler.handleDelete)
	api.GET("/events", handler.handleEvents)
	api.GET("/chat/messages", handler.handleChatMessages)
	api.POST("/chat/room", handler.handleChatRoom)
	api.POST("/chat/messages", handler.handleChatSend)
	api.GET("/toasts", handler.handleToasts)
	api.POST("/push", handler.handlePush)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	notifications NotificationStore
	stream        StreamStatus
	events        EventFeed
	chat          ChatRoom
	toasts        ToastHistory
	push          PushReceiver
	creator       NotificationCreator
	keepAlive     time.Duration
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type streamStatusPayload struct {
	State        string     `json:"state"`
	Subject      string     `json:"subject"`
	Attempt      int        `json:"attempt"`
	Terminal     bool       `json:"terminal"`
	LastError    string     `json:"lastError,omitempty"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

type chatStatusPayload struct {
	State    string `json:"state"`
	RoomID   int64  `json:"roomId"`
	Attempt  int    `json:"attempt"`
	Terminal bool   `json:"terminal"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	streamStatus := h.stream.Status()
	payload := streamStatusPayload{
		State:     string(streamStatus.State),
		Subject:   streamStatus.Subject,
		Attempt:   streamStatus.Attempt,
		Terminal:  streamStatus.Terminal,
		LastError: streamStatus.LastError,
	}
	if !streamStatus.LastActivity.IsZero() {
		lastActivity := streamStatus.LastActivity.UTC()
		payload.LastActivity = &lastActivity
	}
	listeners := make(map[string]int, len(relayedKinds))
	for _, kind := range relayedKinds {
		listeners[string(kind)] = h.events.ListenerCount(kind)
	}
	c.JSON(http.StatusOK, gin.H{
		"stream":    payload,
		"chat":      toChatStatus(h.chat.Status()),
		"listeners": listeners,
	})
}

func toChatStatus(status chat.Status) chatStatusPayload {
	return chatStatusPayload{
		State:    string(status.State),
		RoomID:   status.RoomID,
		Attempt:  status.Attempt,
		Terminal: status.Terminal,
	}
}

// snapshotPayload is a store snapshot plus pagination state.
type snapshotPayload struct {
	notifications.Snapshot
	HasMore bool `json:"hasMore"`
}

func (h *httpHandler) snapshot() snapshotPayload {
	return snapshotPayload{Snapshot: h.notifications.Snapshot(), HasMore: h.notifications.HasMore()}
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, h.snapshot())
}

type createRequest struct {
	ReceiverID int64  `json:"receiverId"`
	Content    string `json:"content"`
	Type       string `json:"type"`
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	var request createRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	notificationType, err := model.ParseNotificationType(request.Type)
	if err != nil || request.ReceiverID <= 0 || strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification"})
		return
	}
	created, err := h.creator.Create(c.Request.Context(), notifications.CreateRequest{
		ReceiverID: request.ReceiverID,
		Content:    request.Content,
		Type:       notificationType,
	})
	if err != nil {
		h.respondUpstreamError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	if err := h.notifications.Refresh(c.Request.Context()); err != nil {
		h.respondUpstreamError(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, h.snapshot())
}

func (h *httpHandler) handleLoadMore(c *gin.Context) {
	if err := h.notifications.LoadMore(c.Request.Context()); err != nil {
		h.respondUpstreamError(c, "load_more", err)
		return
	}
	c.JSON(http.StatusOK, h.snapshot())
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	if err := h.notifications.MarkAllAsRead(c.Request.Context()); err != nil {
		h.respondUpstreamError(c, "mark_all_read", err)
		return
	}
	c.JSON(http.StatusOK, h.notifications.Snapshot())
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	notificationID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || notificationID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification_id"})
		return
	}
	if err := h.notifications.Delete(c.Request.Context(), notificationID); err != nil {
		h.respondUpstreamError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// respondUpstreamError reports a failed backend call. Optimistic local state
// is kept, so the body still carries the current snapshot.
func (h *httpHandler) respondUpstreamError(c *gin.Context, operation string, err error) {
	if errors.Is(err, notifications.ErrStoreClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_closed"})
		return
	}
	h.logger.Warn("backend call failed", zap.String("operation", operation), zap.Error(err))
	body := gin.H{
		"error":    operation + "_failed",
		"snapshot": h.notifications.Snapshot(),
	}
	var statusErr *notifications.StatusError
	if errors.As(err, &statusErr) {
		body["upstreamStatus"] = statusErr.StatusCode
	}
	c.JSON(http.StatusBadGateway, body)
}

type eventPayload struct {
	ResumptionID string                     `json:"resumptionId,omitempty"`
	ReceivedAt   time.Time                  `json:"receivedAt"`
	Notification *model.Notification        `json:"notification,omitempty"`
	UnreadCount  *int                       `json:"unreadCount,omitempty"`
	Heartbeat    any                        `json:"heartbeat,omitempty"`
	Connection   *dispatch.ConnectionChange `json:"connection,omitempty"`
}

func toEventPayload(event dispatch.Event) eventPayload {
	payload := eventPayload{
		ResumptionID: event.ResumptionID,
		ReceivedAt:   event.ReceivedAt.UTC(),
		Notification: event.Notification,
		Connection:   event.Connection,
	}
	if event.UnreadCount != nil {
		count := event.UnreadCount.Count
		payload.UnreadCount = &count
	}
	if event.Heartbeat != nil {
		if event.Heartbeat.IsJSON() {
			payload.Heartbeat = event.Heartbeat.JSON
		} else {
			payload.Heartbeat = event.Heartbeat.Raw
		}
	}
	return payload
}

// handleEvents relays dispatcher events as server-sent events. The first
// event is the current snapshot so a consumer can render before any change.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events, cancel := h.events.Subscribe(ctx)
	defer cancel()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("snapshot", h.snapshot())
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Kind), toEventPayload(event))
			return true
		case now := <-ticker.C:
			c.SSEvent("ping", gin.H{"at": now.UTC()})
			return true
		}
	})
}

type chatMessagesPayload struct {
	Status   chatStatusPayload `json:"status"`
	Messages []chat.Message    `json:"messages"`
}

func (h *httpHandler) handleChatMessages(c *gin.Context) {
	messages := h.chat.Messages()
	if messages == nil {
		messages = []chat.Message{}
	}
	c.JSON(http.StatusOK, chatMessagesPayload{
		Status:   toChatStatus(h.chat.Status()),
		Messages: messages,
	})
}

type chatRoomRequest struct {
	RoomID int64 `json:"roomId"`
}

func (h *httpHandler) handleChatRoom(c *gin.Context) {
	var request chatRoomRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	previous, err := h.chat.Open(request.RoomID)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidRoom) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
			return
		}
		h.logger.Warn("chat open failed", zap.Int64("room_id", request.RoomID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chat_open_failed"})
		return
	}
	if previous == nil {
		previous = []chat.Message{}
	}
	c.JSON(http.StatusAccepted, chatRoomPayload{
		Status:           toChatStatus(h.chat.Status()),
		PreviousMessages: previous,
	})
}

// chatRoomPayload carries the messages of the room that was replaced.
type chatRoomPayload struct {
	Status           chatStatusPayload `json:"status"`
	PreviousMessages []chat.Message    `json:"previousMessages"`
}

type chatSendRequest struct {
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl"`
}

func (h *httpHandler) handleChatSend(c *gin.Context) {
	var request chatSendRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.Text) == "" && strings.TrimSpace(request.ImageURL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_message"})
		return
	}
	err := h.chat.Send(chat.Outgoing{Text: request.Text, ImageURL: request.ImageURL})
	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case errors.Is(err, chat.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": "chat_not_connected"})
	default:
		h.logger.Warn("chat send failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "chat_send_failed"})
	}
}

func (h *httpHandler) handleToasts(c *gin.Context) {
	toasts := h.toasts.History()
	if toasts == nil {
		toasts = []alerts.Toast{}
	}
	c.JSON(http.StatusOK, gin.H{"toasts": toasts})
}

type pushRequest struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// handlePush relays a push the page received while focused, so the stores
// refresh without waiting for the stream.
func (h *httpHandler) handlePush(c *gin.Context) {
	var request pushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.push.Deliver(push.Message{
		Title:      request.Title,
		Body:       request.Body,
		Data:       request.Data,
		Foreground: true,
		ReceivedAt: time.Now().UTC(),
	})
	c.Status(http.StatusAccepted)
}
