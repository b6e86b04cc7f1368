// Package ipfs fetches content-addressed payloads from an HTTP gateway.
package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	jsonTimeout   = 30 * time.Second
	binaryTimeout = 60 * time.Second

	// Binary payloads are module code; anything past this is not a payload
	// this indexer should hold in memory.
	maxBinarySize = 64 << 20
)

// Client fetches JSON and binary payloads by CID from a gateway endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a gateway client. endpoint is the base URL, e.g.
// "https://ipfs.io/ipfs/".
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{},
	}
}

// FetchJSON retrieves and decodes a JSON metadata payload.
func (c *Client) FetchJSON(ctx context.Context, cid string) (map[string]any, error) {
	if !ValidCID(cid) {
		return nil, fmt.Errorf("invalid cid format: %s", cid)
	}

	body, err := c.get(ctx, cid, jsonTimeout)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var payload map[string]any
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", cid, err)
	}
	return payload, nil
}

// FetchBinary retrieves a raw binary payload.
func (c *Client) FetchBinary(ctx context.Context, cid string) ([]byte, error) {
	if !ValidCID(cid) {
		return nil, fmt.Errorf("invalid cid format: %s", cid)
	}

	body, err := c.get(ctx, cid, binaryTimeout)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxBinarySize+1))
	if err != nil {
		return nil, fmt.Errorf("read payload for %s: %w", cid, err)
	}
	if len(data) > maxBinarySize {
		return nil, fmt.Errorf("payload for %s exceeds %d bytes", cid, maxBinarySize)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, cid string, timeout time.Duration) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)

	url := c.endpoint + "/" + cid
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build request for %s: %w", cid, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch %s: %w", cid, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("fetch %s: unexpected status %d", cid, resp.StatusCode)
	}

	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
