package chat

import (
	"strings"
	"time"
)

// ImageSigil prefixes the text field of a message that carries an uploaded
// image URL. The transport schema has a single text field, so the prefix is
// part of the wire format.
const ImageSigil = "[IMAGE]"

// Message is a chat message as delivered on a room topic.
type Message struct {
	MessageID  int64     `json:"messageId"`
	ChatRoomID int64     `json:"chatRoomId"`
	SenderID   int64     `json:"senderId"`
	Text       *string   `json:"text"`
	ImageURL   *string   `json:"imageUrl"`
	SentAt     time.Time `json:"sentAt"`
	Deleted    bool      `json:"deleted"`
}

// Outgoing is a message the local user sends. Exactly one of Text or
// ImageURL is expected; ImageURL wins when both are set.
type Outgoing struct {
	Text     string
	ImageURL string
}

type outgoingPayload struct {
	ChatRoomID int64  `json:"chatRoomId"`
	SenderID   int64  `json:"senderId"`
	Text       string `json:"text"`
}

// encodeText renders the single wire text field.
func (o Outgoing) encodeText() string {
	if url := strings.TrimSpace(o.ImageURL); url != "" {
		return ImageSigil + url
	}
	return o.Text
}

// normalize moves a sigil-encoded image out of Text into ImageURL.
func (m Message) normalize() Message {
	if m.Text == nil || m.ImageURL != nil {
		return m
	}
	if url, ok := strings.CutPrefix(*m.Text, ImageSigil); ok {
		url = strings.TrimSpace(url)
		m.ImageURL = &url
		m.Text = nil
	}
	return m
}
