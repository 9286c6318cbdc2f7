package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/dispatch"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/model"
)

var errEmptyPayload = errors.New("stream: empty payload")

// decodeFrame turns a frame into a typed event. Each channel is parsed on its
// own; unknown event names decode to an event with an empty Kind.
func decodeFrame(received frame) (dispatch.Event, error) {
	event := dispatch.Event{ResumptionID: received.ID}
	switch dispatch.Kind(received.Event) {
	case dispatch.KindNotification, dispatch.KindMissedNotification:
		notification, err := decodeNotification(received.Data)
		if err != nil {
			return dispatch.Event{}, err
		}
		event.Kind = dispatch.Kind(received.Event)
		event.Notification = &notification
	case dispatch.KindUnreadCount:
		count, err := decodeUnreadCount(received.Data)
		if err != nil {
			return dispatch.Event{}, err
		}
		event.Kind = dispatch.KindUnreadCount
		event.UnreadCount = &count
	case dispatch.KindHeartbeat:
		heartbeat := parseHeartbeat(received.Data)
		event.Kind = dispatch.KindHeartbeat
		event.Heartbeat = &heartbeat
	}
	return event, nil
}

func decodeNotification(data string) (model.Notification, error) {
	if strings.TrimSpace(data) == "" {
		return model.Notification{}, errEmptyPayload
	}
	var notification model.Notification
	if err := json.Unmarshal([]byte(data), &notification); err != nil {
		return model.Notification{}, fmt.Errorf("stream: decode notification: %w", err)
	}
	if err := notification.Validate(); err != nil {
		return model.Notification{}, err
	}
	return notification, nil
}

// decodeUnreadCount accepts {"count":n} or a bare integer body.
func decodeUnreadCount(data string) (model.UnreadCount, error) {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return model.UnreadCount{}, errEmptyPayload
	}
	if bare, err := strconv.Atoi(trimmed); err == nil {
		if bare < 0 {
			return model.UnreadCount{}, fmt.Errorf("stream: negative unread count %d", bare)
		}
		return model.UnreadCount{Count: bare}, nil
	}
	var count model.UnreadCount
	if err := json.Unmarshal([]byte(trimmed), &count); err != nil {
		return model.UnreadCount{}, fmt.Errorf("stream: decode unread count: %w", err)
	}
	if count.Count < 0 {
		return model.UnreadCount{}, fmt.Errorf("stream: negative unread count %d", count.Count)
	}
	return count, nil
}

// parseHeartbeat never fails: non-object bodies are kept as the opaque string.
func parseHeartbeat(data string) dispatch.Heartbeat {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(data), &parsed); err == nil && parsed != nil {
		return dispatch.Heartbeat{JSON: parsed, Raw: data}
	}
	return dispatch.Heartbeat{Raw: data}
}
