package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewsync/server/internal/models"
)

// HTTPStore talks to a crewsync server: subtree reads and writes over
// HTTP, the change feed over a websocket.
type HTTPStore struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	header     string
	dialer     *websocket.Dialer
}

// NewHTTPStore creates a client for the server at baseURL. If httpClient is
// nil a client with a 30s timeout is used.
func NewHTTPStore(httpClient *http.Client, baseURL, apiKey, apiKeyHeader string) *HTTPStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &HTTPStore{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		header:     apiKeyHeader,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

func (s *HTTPStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	var out json.RawMessage
	status, err := s.do(ctx, http.MethodGet, "/api/tree/"+escapePath(path), nil, &out)
	if status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *HTTPStore) Put(ctx context.Context, path string, value json.RawMessage) error {
	_, err := s.do(ctx, http.MethodPut, "/api/tree/"+escapePath(path), value, nil)
	return err
}

// Modified reports the server-side write time of path from the X-Updated-At
// response header, zero when the path is absent or the server predates the
// header.
func (s *HTTPStore) Modified(ctx context.Context, path string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/api/tree/"+escapePath(path), nil)
	if err != nil {
		return time.Time{}, Permanent(http.MethodGet, 0, err)
	}
	if s.apiKey != "" {
		req.Header.Set(s.header, s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return time.Time{}, Transient(http.MethodGet, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return time.Time{}, nil
	case resp.StatusCode >= 500:
		return time.Time{}, Transient(http.MethodGet, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return time.Time{}, Permanent(http.MethodGet, resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode))
	}

	ms, err := strconv.ParseInt(resp.Header.Get("X-Updated-At"), 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

// escapePath escapes each segment of a slash-separated tree path on its own.
// Escaping the whole path would encode the slashes and turn a nested path
// like "presence/dev1" into a single literal segment on the server.
func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func (s *HTTPStore) Patch(ctx context.Context, values map[string]json.RawMessage) error {
	body, err := json.Marshal(models.PatchRequest{Values: values})
	if err != nil {
		return err
	}
	_, err = s.do(ctx, http.MethodPatch, "/api/tree", body, nil)
	return err
}

// Subscribe dials the websocket feed. Malformed frames are skipped; a read
// error closes the snapshot channel and is reported via Err.
func (s *HTTPStore) Subscribe(ctx context.Context) (Subscription, error) {
	wsURL, err := s.feedURL()
	if err != nil {
		return nil, Permanent("subscribe", 0, err)
	}

	header := http.Header{}
	if s.apiKey != "" {
		header.Set(s.header, s.apiKey)
	}
	conn, resp, err := s.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, Permanent("subscribe", resp.StatusCode, err)
		}
		return nil, Transient("subscribe", err)
	}

	sub := &wsSubscription{
		conn: conn,
		ch:   make(chan Snapshot, 16),
		done: make(chan struct{}),
	}
	go sub.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (s *HTTPStore) feedURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/feed"
	return u.String(), nil
}

// do issues one request, mapping network failures and 5xx to transient
// errors and non-retryable 4xx to permanent ones.
func (s *HTTPStore) do(ctx context.Context, method, path string, body []byte, out *json.RawMessage) (int, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, r)
	if err != nil {
		return 0, Permanent(method, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set(s.header, s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, Transient(method, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return resp.StatusCode, nil
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, Transient(method, err)
		}
		if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
			*out = nil
			return resp.StatusCode, nil
		}
		if !json.Valid(data) {
			return resp.StatusCode, fmt.Errorf("%w: %s %s", ErrMalformedPayload, method, path)
		}
		*out = data
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, Permanent(method, resp.StatusCode, fmt.Errorf("not found"))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, Transient(method, fmt.Errorf("status %d", resp.StatusCode))
	default:
		var eb models.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return resp.StatusCode, Permanent(method, resp.StatusCode, fmt.Errorf("%s", nonEmpty(eb.Error, http.StatusText(resp.StatusCode))))
	}
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return fallback
}

type wsSubscription struct {
	conn *websocket.Conn
	ch   chan Snapshot
	done chan struct{}

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *wsSubscription) readLoop() {
	defer func() {
		s.closeConn()
		close(s.ch)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Closed locally, not a stream failure.
			default:
				s.setErr(Transient("feed", err))
			}
			return
		}

		var msg models.FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != models.FeedTypeTree {
			// One malformed frame does not terminate the listener.
			continue
		}

		select {
		case s.ch <- Snapshot{Version: msg.Version, Fields: msg.Fields}:
		default:
			// Consumer is behind; the next frame carries the full tree.
		}
	}
}

func (s *wsSubscription) Snapshots() <-chan Snapshot { return s.ch }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *wsSubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeConn()
	})
	return nil
}

func (s *wsSubscription) closeConn() {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.conn.Close()
}
