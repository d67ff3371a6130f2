package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PeerFetcher pulls sync payloads from one peer over the canonical HTTP
// surface. Production code uses httpFetcher; tests inject a fake.
type PeerFetcher interface {
	GetBlock(ctx context.Context, peerURL string, height uint64) (BlockPayload, error)
	GetBlocksRange(ctx context.Context, peerURL string, start, end uint64) ([]BlockPayload, bool, error)
	GetHeaders(ctx context.Context, peerURL string, start, end uint64) ([]HeaderPayload, error)
	HasSnapshot(ctx context.Context, peerURL string, height uint64) (bool, error)
	GetSnapshot(ctx context.Context, peerURL string, height uint64) ([]byte, error)
}

type httpFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) PeerFetcher {
	return &httpFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *httpFetcher) getJSON(ctx context.Context, url string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("syncengine: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("syncengine: request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, nil
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("syncengine: decode response from %s: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}

func (f *httpFetcher) GetBlock(ctx context.Context, peerURL string, height uint64) (BlockPayload, error) {
	var payload BlockPayload
	status, err := f.getJSON(ctx, fmt.Sprintf("%s/api/explorer/get_block?block_id=%d", peerURL, height), &payload)
	if err != nil {
		return BlockPayload{}, err
	}
	if status >= 300 {
		return BlockPayload{}, fmt.Errorf("syncengine: peer %s responded %d for block %d", peerURL, status, height)
	}
	return payload, nil
}

func (f *httpFetcher) GetBlocksRange(ctx context.Context, peerURL string, start, end uint64) ([]BlockPayload, bool, error) {
	var body struct {
		Blocks []BlockPayload `json:"blocks"`
	}
	status, err := f.getJSON(ctx, fmt.Sprintf("%s/api/explorer/get_blocks_range?start=%d&end=%d", peerURL, start, end), &body)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	if status >= 300 {
		return nil, false, fmt.Errorf("syncengine: peer %s responded %d for range [%d,%d]", peerURL, status, start, end)
	}
	return body.Blocks, true, nil
}

func (f *httpFetcher) GetHeaders(ctx context.Context, peerURL string, start, end uint64) ([]HeaderPayload, error) {
	var body struct {
		Headers []HeaderPayload `json:"headers"`
	}
	status, err := f.getJSON(ctx, fmt.Sprintf("%s/api/explorer/get_block_headers?start=%d&end=%d", peerURL, start, end), &body)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("syncengine: peer %s responded %d for headers [%d,%d]", peerURL, status, start, end)
	}
	return body.Headers, nil
}

func (f *httpFetcher) HasSnapshot(ctx context.Context, peerURL string, height uint64) (bool, error) {
	var body struct {
		Exists bool `json:"exists"`
	}
	status, err := f.getJSON(ctx, fmt.Sprintf("%s/api/explorer/has_state_snapshot?height=%d", peerURL, height), &body)
	if err != nil {
		return false, err
	}
	if status >= 300 {
		return false, nil
	}
	return body.Exists, nil
}

func (f *httpFetcher) GetSnapshot(ctx context.Context, peerURL string, height uint64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/explorer/get_state_snapshot?height=%d", peerURL, height), nil)
	if err != nil {
		return nil, fmt.Errorf("syncengine: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("syncengine: fetch snapshot from %s: %w", peerURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("syncengine: peer %s responded %d for snapshot at %d", peerURL, resp.StatusCode, height)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("syncengine: read snapshot body from %s: %w", peerURL, err)
	}
	return body, nil
}
