package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/model"
	"go.uber.org/zap"
)

const (
	defaultPageSize   = 20
	defaultAPITimeout = 10 * time.Second
	maxErrorBody      = 4096
)

var errMissingAPIBaseURL = errors.New("notifications: api base url required")

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notifications: %s %s returned %d", e.Method, e.Path, e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// Page is one page of notifications with the server's unread count.
type Page struct {
	Notifications []model.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unreadCount"`
	NextCursor    int64                `json:"nextCursor"`
	HasNext       bool                 `json:"hasNext"`
}

// CreateRequest originates a notification for another user.
type CreateRequest struct {
	ReceiverID int64                  `json:"receiverId"`
	Content    string                 `json:"content"`
	Type       model.NotificationType `json:"type"`
}

// ClientConfig describes the REST client.
type ClientConfig struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client talks to the backend's notification and push registration endpoints.
type Client struct {
	baseURL     *url.URL
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient constructs a REST client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingAPIBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("notifications: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultAPITimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		logger:      logger.Named("api"),
	}, nil
}

// FetchPage returns the page after cursor; a zero cursor is the first page.
func (c *Client) FetchPage(ctx context.Context, cursor int64, size int) (Page, error) {
	if size <= 0 {
		size = defaultPageSize
	}
	query := url.Values{}
	query.Set("size", strconv.Itoa(size))
	if cursor > 0 {
		query.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	var page Page
	if err := c.do(ctx, http.MethodGet, "/notifications", query, nil, &page); err != nil {
		return Page{}, err
	}
	return page, nil
}

// Delete removes one notification server-side.
func (c *Client) Delete(ctx context.Context, notificationID int64) error {
	path := "/notifications/" + strconv.FormatInt(notificationID, 10)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// UnreadCount fetches only the unread count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var payload model.UnreadCount
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil, nil, &payload); err != nil {
		return 0, err
	}
	return payload.Count, nil
}

// MarkAllRead marks every notification of the caller read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPatch, "/notifications/read-all", nil, nil, nil)
}

// Create originates a notification and returns the stored record.
func (c *Client) Create(ctx context.Context, request CreateRequest) (model.Notification, error) {
	if _, err := model.ParseNotificationType(string(request.Type)); err != nil {
		return model.Notification{}, err
	}
	var created model.Notification
	if err := c.do(ctx, http.MethodPost, "/notifications", nil, request, &created); err != nil {
		return model.Notification{}, err
	}
	return created, nil
}

type pushTokenPayload struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// RegisterPushToken upserts the push registration token for subject.
func (c *Client) RegisterPushToken(ctx context.Context, token, subject string) error {
	return c.do(ctx, http.MethodPost, "/fcm/token", nil, pushTokenPayload{Token: token, UserID: subject}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("notifications: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("notifications: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("notifications: %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		c.logger.Debug("backend rejected request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return &StatusError{Method: method, Path: path, StatusCode: response.StatusCode, Body: string(excerpt)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("notifications: decode %s %s: %w", method, path, err)
	}
	return nil
}
