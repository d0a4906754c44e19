package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/kimhsiao/famrx/backend/internal/errors"
	"github.com/kimhsiao/famrx/backend/internal/models"
)

// HubGateway talks JSON over HTTP to the family hub, with a WebSocket
// for the change stream. Safe for concurrent use.
type HubGateway struct {
	baseURL    string
	apiToken   string
	deviceID   string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewHubGateway creates a gateway for the hub at baseURL. deviceID is
// sent on every request so the hub can exclude this device's own
// writes from its change stream.
func NewHubGateway(baseURL, apiToken, deviceID string, timeout time.Duration) *HubGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HubGateway{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiToken: apiToken,
		deviceID: deviceID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
	}
}

// WithHTTPClient sets a custom http.Client (for testing).
func (g *HubGateway) WithHTTPClient(client *http.Client) *HubGateway {
	g.httpClient = client
	return g
}

func (g *HubGateway) setHeaders(h http.Header) {
	h.Set("Authorization", "Bearer "+g.apiToken)
	h.Set("User-Agent", "famrx-client/1.0")
	if g.deviceID != "" {
		h.Set("X-FamRx-Device-ID", g.deviceID)
	}
}

// writeRequest carries a full entity snapshot plus the optimistic
// concurrency check. Conflict responses and change-stream frames use
// the same snapshot encoding.
type writeRequest struct {
	ExpectedRevision int64           `json:"expected_revision"`
	Entity           json.RawMessage `json:"entity"`
}

type conflictResponse struct {
	RemoteRevision int64           `json:"remote_revision"`
	RemotePayload  json.RawMessage `json:"remote_payload"`
}

// Write pushes one entity snapshot. A 409 becomes a *ConflictError
// carrying the hub's current version; transport failures and 5xx
// responses become NETWORK_ERROR so the caller retries.
func (g *HubGateway) Write(ctx context.Context, e *models.Entity, expectedRevision int64) (*WriteResult, error) {
	snapshot, err := e.Snapshot()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode entity snapshot", err)
	}
	body, err := json.Marshal(writeRequest{
		ExpectedRevision: expectedRevision,
		Entity:           snapshot,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode write request", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/entities/%s/%s",
		g.baseURL, url.PathEscape(string(e.Type)), url.PathEscape(string(e.ID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build write request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	g.setHeaders(req.Header)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "hub unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var result WriteResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrNetwork, "decode write response", err)
		}
		return &result, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, decodeConflict(e.ID, resp.Body)
	default:
		return nil, statusError("write", resp)
	}
}

// Delete removes an entity on the hub, with the same conflict and
// failure semantics as Write. A 404 counts as success: the entity is
// already gone, which is the state the delete wanted.
func (g *HubGateway) Delete(ctx context.Context, t models.EntityType, id models.UUID, expectedRevision int64) error {
	endpoint := fmt.Sprintf("%s/api/v1/entities/%s/%s?expected_revision=%d",
		g.baseURL, url.PathEscape(string(t)), url.PathEscape(string(id)), expectedRevision)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build delete request", err)
	}
	g.setHeaders(req.Header)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "hub unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return decodeConflict(id, resp.Body)
	default:
		return statusError("delete", resp)
	}
}

// Subscribe opens the hub's per-family WebSocket change stream,
// resuming after sinceCursor. The stream stays open until the hub
// drops it or ctx is cancelled; the caller reconnects with the cursor
// it last persisted.
func (g *HubGateway) Subscribe(ctx context.Context, familyID models.UUID, sinceCursor string) (ChangeStream, error) {
	wsURL, err := url.Parse(g.baseURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "parse hub url", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = fmt.Sprintf("/api/v1/families/%s/changes", url.PathEscape(string(familyID)))
	q := wsURL.Query()
	if sinceCursor != "" {
		q.Set("since", sinceCursor)
	}
	wsURL.RawQuery = q.Encode()

	header := http.Header{}
	g.setHeaders(header)

	conn, resp, err := g.dialer.DialContext(ctx, wsURL.String(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, "open change stream", err)
	}
	return &wsChangeStream{conn: conn}, nil
}

// wsChangeStream reads RemoteChange frames off a WebSocket connection.
type wsChangeStream struct {
	conn *websocket.Conn
}

func (s *wsChangeStream) Next(ctx context.Context) (*RemoteChange, error) {
	type result struct {
		change *RemoteChange
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		var change RemoteChange
		if err := s.conn.ReadJSON(&change); err != nil {
			ch <- result{err: apperrors.Wrap(apperrors.ErrNetwork, "change stream closed", err)}
			return
		}
		ch <- result{change: &change}
	}()

	select {
	case <-ctx.Done():
		_ = s.conn.Close()
		return nil, ctx.Err()
	case r := <-ch:
		return r.change, r.err
	}
}

func (s *wsChangeStream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func decodeConflict(id models.UUID, body io.Reader) error {
	var c conflictResponse
	if err := json.NewDecoder(body).Decode(&c); err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "decode conflict response", err)
	}
	return &ConflictError{
		EntityID:       id,
		RemoteRevision: c.RemoteRevision,
		RemotePayload:  c.RemotePayload,
	}
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
	err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return apperrors.Wrap(apperrors.ErrInvalid, op+" rejected by hub", err)
	}
	return apperrors.Wrap(apperrors.ErrNetwork, op+" failed", err)
}
