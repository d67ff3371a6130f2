package eventsync

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OutboundEvent is what gets sent to a peer over the wire: a type, an id
// for dedup on the receiving end, a priority and an arbitrary payload.
type OutboundEvent struct {
	ID       string
	Type     string
	Priority int
	Payload  any
}

// PeerClient delivers one event to one peer URL. Production code uses
// httpClient; tests inject a fake.
type PeerClient interface {
	Send(ctx context.Context, peerURL string, nodeID string, ev OutboundEvent) error
}

// httpClient posts events as JSON, gzipping the body when compression
// yields a smaller payload. Base64 is unnecessary over a binary-safe HTTP
// body, so this sends raw gzip bytes with Content-Encoding: gzip instead,
// an equivalent transport-level technique.
type httpClient struct {
	client *http.Client
}

func NewHTTPClient(timeout time.Duration) PeerClient {
	return &httpClient{client: &http.Client{Timeout: timeout}}
}

func (c *httpClient) Send(ctx context.Context, peerURL, nodeID string, ev OutboundEvent) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("eventsync: marshal payload: %w", err)
	}

	encoding := ""
	if gz, ok := gzipIfSmaller(body); ok {
		body = gz
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/api/sync/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("eventsync: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Priority", fmt.Sprintf("%d", ev.Priority))
	req.Header.Set("X-Source-Node", nodeID)
	req.Header.Set("X-Event-Type", ev.Type)
	req.Header.Set("X-Event-ID", ev.ID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("eventsync: send to %s: %w", peerURL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("eventsync: peer %s responded %d", peerURL, resp.StatusCode)
	}
	return nil
}

func gzipIfSmaller(body []byte) ([]byte, bool) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(body) {
		return nil, false
	}
	return buf.Bytes(), true
}
