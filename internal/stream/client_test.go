package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/backoff"
	"github.com/MarcoPoloResearchLab/meetup/realtime/internal/dispatch"
	"go.uber.org/zap"
)

type memoryTokens struct {
	mu     sync.Mutex
	tokens map[string]string
	saves  []string
}

func newMemoryTokens() *memoryTokens {
	return &memoryTokens{tokens: make(map[string]string)}
}

func (m *memoryTokens) Load(_ context.Context, channel, subject string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[channel+"/"+subject], nil
}

func (m *memoryTokens) Save(_ context.Context, channel, subject, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[channel+"/"+subject] = eventID
	m.saves = append(m.saves, eventID)
	return nil
}

func (m *memoryTokens) Clear(_ context.Context, channel, subject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, channel+"/"+subject)
	return nil
}

func (m *memoryTokens) current(subject string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens["notification-stream/"+subject]
}

type sseServer struct {
	server   *httptest.Server
	requests atomic.Int32
	mu       sync.Mutex
	queries  []string
	done     chan struct{}
}

// newSSEServer serves handle for every subscribe request. handle returns
// true to keep the stream open until the client goes away.
func newSSEServer(t *testing.T, handle func(attempt int, w http.ResponseWriter, r *http.Request) bool) *sseServer {
	t.Helper()
	fake := &sseServer{done: make(chan struct{})}
	fake.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := int(fake.requests.Add(1))
		fake.mu.Lock()
		fake.queries = append(fake.queries, r.URL.RawQuery)
		fake.mu.Unlock()
		if !handle(attempt, w, r) {
			return
		}
		select {
		case <-r.Context().Done():
		case <-fake.done:
		}
	}))
	t.Cleanup(func() {
		close(fake.done)
		fake.server.Close()
	})
	return fake
}

func (s *sseServer) query(index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= len(s.queries) {
		return ""
	}
	return s.queries[index]
}

func writeEvent(w http.ResponseWriter, id, name, data string) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func openStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func notificationJSON(id int64) string {
	return fmt.Sprintf(`{"notificationId":%d,"content":"hello","type":"CHAT","isRead":false,"createdAt":"2026-01-01T00:00:00Z"}`, id)
}

func fastPolicy(maxAttempts int) backoff.Policy {
	return backoff.Policy{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, MaxAttempts: maxAttempts}
}

func newTestClient(t *testing.T, baseURL string, tokens TokenStore, dispatcher *dispatch.Dispatcher, policy backoff.Policy) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:     baseURL,
		AccessToken: "access-token",
		Policy:      policy,
		Tokens:      tokens,
		Dispatcher:  dispatcher,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	t.Cleanup(client.Disconnect)
	return client
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestConnectIsIdempotentForSameSubject(t *testing.T) {
	fake := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		openStream(w)
		return true
	})
	dispatcher := dispatch.NewDispatcher(zap.NewNop())
	var (
		mu     sync.Mutex
		states []string
	)
	dispatcher.AddListener(dispatch.KindConnection, func(event dispatch.Event) {
		mu.Lock()
		states = append(states, event.Connection.State)
		mu.Unlock()
	})
	client := newTestClient(t, fake.server.URL, newMemoryTokens(), dispatcher, fastPolicy(3))

	if err := client.Connect("user-1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := client.Connect("user-1"); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	waitFor(t, "open state", func() bool { return client.Status().State == StateOpen })
	if err := client.Connect("user-1"); err != nil {
		t.Fatalf("third connect failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if got := fake.requests.Load(); got != 1 {
		t.Fatalf("expected exactly one underlying connection, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != string(StateConnecting) || states[1] != string(StateOpen) {
		t.Fatalf("expected a single connecting->open sequence, got %v", states)
	}
}

func TestConnectAttachesCredentialsAndResumptionToken(t *testing.T) {
	fake := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		openStream(w)
		return true
	})
	tokens := newMemoryTokens()
	if err := tokens.Save(context.Background(), "notification-stream", "user-9", "9_1700000000000"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	client := newTestClient(t, fake.server.URL, tokens, dispatch.NewDispatcher(zap.NewNop()), fastPolicy(3))

	if err := client.Connect("user-9"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "subscribe request", func() bool { return fake.requests.Load() == 1 })
	query := fake.query(0)
	if query != "lastEventId=9_1700000000000&token=access-token" {
		t.Fatalf("unexpected subscribe query %q", query)
	}
}

func TestResumptionTokenPersistedBeforeDispatch(t *testing.T) {
	ids := []string{"r1", "r2", "r3", "r4"}
	fake := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		openStream(w)
		for index, id := range ids {
			writeEvent(w, id, "notification", notificationJSON(int64(index+1)))
		}
		return true
	})
	tokens := newMemoryTokens()
	dispatcher := dispatch.NewDispatcher(zap.NewNop())
	var (
		mu       sync.Mutex
		observed []string
	)
	dispatcher.AddListener(dispatch.KindNotification, func(event dispatch.Event) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, tokens.current("user-1")+"="+event.ResumptionID)
	})
	client := newTestClient(t, fake.server.URL, tokens, dispatcher, fastPolicy(3))

	if err := client.Connect("user-1"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "all events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == len(ids)
	})

	mu.Lock()
	defer mu.Unlock()
	for index, id := range ids {
		if observed[index] != id+"="+id {
			t.Fatalf("event %d: expected persisted token %s at dispatch, got %s", index, id, observed[index])
		}
	}
	if tokens.current("user-1") != "r4" {
		t.Fatalf("expected final token r4, got %s", tokens.current("user-1"))
	}
}

func TestMalformedPayloadDoesNotAffectOtherChannels(t *testing.T) {
	fake := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		openStream(w)
		writeEvent(w, "1", "notification", "{broken")
		writeEvent(w, "2", "heartbeat", "keep-alive")
		writeEvent(w, "3", "unread-count", `{"count":7}`)
		return true
	})
	dispatcher := dispatch.NewDispatcher(zap.NewNop())
	counts := make(chan int, 1)
	heartbeats := make(chan dispatch.Heartbeat, 1)
	dispatcher.AddListener(dispatch.KindUnreadCount, func(event dispatch.Event) {
		counts <- event.UnreadCount.Count
	})
	dispatcher.AddListener(dispatch.KindHeartbeat, func(event dispatch.Event) {
		heartbeats <- *event.Heartbeat
	})
	dispatcher.AddListener(dispatch.KindNotification, func(event dispatch.Event) {
		t.Errorf("did not expect malformed notification to be dispatched: %+v", event)
	})
	client := newTestClient(t, fake.server.URL, newMemoryTokens(), dispatcher, fastPolicy(3))

	if err := client.Connect("user-2"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	select {
	case beat := <-heartbeats:
		if beat.IsJSON() || beat.Raw != "keep-alive" {
			t.Fatalf("expected opaque heartbeat, got %+v", beat)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected heartbeat")
	}
	select {
	case count := <-counts:
		if count != 7 {
			t.Fatalf("expected unread count 7, got %d", count)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected unread count event")
	}
	status := client.Status()
	if status.State != StateOpen {
		t.Fatalf("expected connection to stay open, got %s", status.State)
	}
	if status.LastActivity.IsZero() {
		t.Fatal("expected heartbeat to record activity")
	}
}

func TestReconnectResumesFromLastEvent(t *testing.T) {
	fake := newSSEServer(t, func(attempt int, w http.ResponseWriter, _ *http.Request) bool {
		openStream(w)
		if attempt == 1 {
			writeEvent(w, "5", "notification", notificationJSON(5))
			return false
		}
		writeEvent(w, "5", "missed-notification", notificationJSON(5))
		return true
	})
	dispatcher := dispatch.NewDispatcher(zap.NewNop())
	missed := make(chan int64, 1)
	dispatcher.AddListener(dispatch.KindMissedNotification, func(event dispatch.Event) {
		missed <- event.Notification.NotificationID
	})
	client := newTestClient(t, fake.server.URL, newMemoryTokens(), dispatcher, fastPolicy(5))

	if err := client.Connect("user-5"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	select {
	case id := <-missed:
		if id != 5 {
			t.Fatalf("expected replay of notification 5, got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected missed notification after reconnect")
	}
	if query := fake.query(1); query != "lastEventId=5&token=access-token" {
		t.Fatalf("expected reconnect to carry the last event id, got %q", query)
	}
	waitFor(t, "reopened", func() bool {
		status := client.Status()
		return status.State == StateOpen && status.Attempt == 0
	})
}

func TestReconnectStopsAtMaxAttempts(t *testing.T) {
	fake := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusServiceUnavailable)
		return false
	})
	dispatcher := dispatch.NewDispatcher(zap.NewNop())
	terminal := make(chan dispatch.ConnectionChange, 1)
	dispatcher.AddListener(dispatch.KindConnection, func(event dispatch.Event) {
		if event.Connection.Terminal {
			terminal <- *event.Connection
		}
	})
	client := newTestClient(t, fake.server.URL, newMemoryTokens(), dispatcher, fastPolicy(3))

	if err := client.Connect("user-3"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	select {
	case change := <-terminal:
		if change.State != string(StateClosed) || change.Attempt != 3 {
			t.Fatalf("unexpected terminal change: %+v", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected terminal state")
	}
	time.Sleep(100 * time.Millisecond)
	if got := fake.requests.Load(); got != 3 {
		t.Fatalf("expected 3 attempts before giving up, got %d", got)
	}
	status := client.Status()
	if !status.Terminal || status.State != StateClosed {
		t.Fatalf("expected terminal closed status, got %+v", status)
	}
	if status.LastError == "" {
		t.Fatal("expected last error to be recorded")
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	fake := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		w.WriteHeader(http.StatusBadGateway)
		return false
	})
	policy := backoff.Policy{BaseDelay: 150 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 5}
	client := newTestClient(t, fake.server.URL, newMemoryTokens(), dispatch.NewDispatcher(zap.NewNop()), policy)

	if err := client.Connect("user-4"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "reconnect scheduled", func() bool { return client.Status().State == StateReconnectScheduled })
	client.Disconnect()
	client.Disconnect()
	time.Sleep(300 * time.Millisecond)

	if got := fake.requests.Load(); got != 1 {
		t.Fatalf("expected no reconnect after disconnect, got %d requests", got)
	}
	if state := client.Status().State; state != StateClosed {
		t.Fatalf("expected closed state, got %s", state)
	}
}

func TestConnectDifferentSubjectTearsDownFirst(t *testing.T) {
	fake := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		openStream(w)
		return true
	})
	client := newTestClient(t, fake.server.URL, newMemoryTokens(), dispatch.NewDispatcher(zap.NewNop()), fastPolicy(3))

	if err := client.Connect("user-a"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "first open", func() bool { return client.Status().State == StateOpen })
	if err := client.Connect("user-b"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "second open", func() bool {
		status := client.Status()
		return status.State == StateOpen && status.Subject == "user-b"
	})
	if got := fake.requests.Load(); got != 2 {
		t.Fatalf("expected two connections, got %d", got)
	}
	if err := client.Connect(" "); err != ErrEmptySubject {
		t.Fatalf("expected empty subject error, got %v", err)
	}
}

func TestAcquireClosesAfterLastRelease(t *testing.T) {
	fake := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		openStream(w)
		return true
	})
	client := newTestClient(t, fake.server.URL, newMemoryTokens(), dispatch.NewDispatcher(zap.NewNop()), fastPolicy(3))

	releaseBadge, err := client.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	releasePage, err := client.Acquire("user-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	waitFor(t, "open", func() bool { return client.Status().State == StateOpen })

	releaseBadge()
	releaseBadge()
	if state := client.Status().State; state != StateOpen {
		t.Fatalf("expected stream to stay open for remaining consumer, got %s", state)
	}
	releasePage()
	if state := client.Status().State; state != StateClosed {
		t.Fatalf("expected stream to close after last release, got %s", state)
	}
	if got := fake.requests.Load(); got != 1 {
		t.Fatalf("expected shared connection, got %d", got)
	}
}

func TestOversizedEventIsSkippedButAdvancesResumption(t *testing.T) {
	oversized := strings.Repeat("x", maxLineBytes+16)
	fake := newSSEServer(t, func(_ int, w http.ResponseWriter, _ *http.Request) bool {
		openStream(w)
		writeEvent(w, "7", "notification", oversized)
		writeEvent(w, "8", "notification", notificationJSON(8))
		return true
	})
	tokens := newMemoryTokens()
	dispatcher := dispatch.NewDispatcher(zap.NewNop())
	received := make(chan int64, 2)
	dispatcher.AddListener(dispatch.KindNotification, func(event dispatch.Event) {
		received <- event.Notification.NotificationID
	})
	client := newTestClient(t, fake.server.URL, tokens, dispatcher, fastPolicy(3))

	if err := client.Connect("user-7"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	select {
	case id := <-received:
		if id != 8 {
			t.Fatalf("expected only notification 8, got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the event after the oversized one")
	}
	tokens.mu.Lock()
	saves := append([]string(nil), tokens.saves...)
	tokens.mu.Unlock()
	if len(saves) != 2 || saves[0] != "7" || saves[1] != "8" {
		t.Fatalf("expected both ids persisted, got %v", saves)
	}
	if requests := fake.requests.Load(); requests != 1 {
		t.Fatalf("expected the connection to survive, got %d requests", requests)
	}
}

func TestRejectedResumptionTokenIsCleared(t *testing.T) {
	fake := newSSEServer(t, func(attempt int, w http.ResponseWriter, _ *http.Request) bool {
		if attempt == 1 {
			w.WriteHeader(http.StatusGone)
			return false
		}
		openStream(w)
		return true
	})
	tokens := newMemoryTokens()
	if err := tokens.Save(context.Background(), "notification-stream", "user-4", "stale_1"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	client := newTestClient(t, fake.server.URL, tokens, dispatch.NewDispatcher(zap.NewNop()), fastPolicy(3))

	if err := client.Connect("user-4"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	waitFor(t, "reconnect", func() bool { return client.Status().State == StateOpen })
	if query := fake.query(0); !strings.Contains(query, "lastEventId=stale_1") {
		t.Fatalf("expected the first attempt to resume, got %q", query)
	}
	if query := fake.query(1); strings.Contains(query, "lastEventId") {
		t.Fatalf("expected the retry without a resumption token, got %q", query)
	}
	if current := tokens.current("user-4"); current != "" {
		t.Fatalf("expected the token cleared, got %q", current)
	}
}
