package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tag-anchor/internal/circuitbreaker"
	"github.com/tag-anchor/internal/config"
	"github.com/tag-anchor/internal/logging"
)

// ErrPinRejected means the pinning service answered with a non-2xx status
var ErrPinRejected = errors.New("pinning service rejected request")

// PinningClient pins JSON documents through a pinJSONToIPFS style endpoint
type PinningClient struct {
	endpoint   string
	jwt        string
	gateway    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

type pinRequest struct {
	PinataContent  json.RawMessage `json:"pinataContent"`
	PinataMetadata pinMetadata     `json:"pinataMetadata"`
}

type pinMetadata struct {
	Name string `json:"name"`
}

type pinResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	PinSize   int64  `json:"PinSize"`
	Timestamp string `json:"Timestamp"`
}

// NewPinningClient creates a client; ok is false when no JWT is configured
func NewPinningClient(cfg *config.PinningConfig) (*PinningClient, bool) {
	if cfg.JWT == "" || cfg.Endpoint == "" {
		return nil, false
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &PinningClient{
		endpoint:   cfg.Endpoint,
		jwt:        cfg.JWT,
		gateway:    cfg.Gateway,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig("pinning")),
	}, true
}

// Pin uploads a JSON document and returns gateway + CID
func (c *PinningClient) Pin(ctx context.Context, name string, content []byte) (string, error) {
	if !json.Valid(content) {
		return "", fmt.Errorf("pin %s: content is not valid JSON", name)
	}

	body, err := json.Marshal(pinRequest{
		PinataContent:  content,
		PinataMetadata: pinMetadata{Name: name},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode pin request: %w", err)
	}

	var cid string
	err = c.breaker.Execute(ctx, func() error {
		var err error
		cid, err = c.post(ctx, body)
		return err
	})
	if err != nil {
		return "", err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"name": name,
		"cid":  cid,
	}).Debug("Pinned document")
	return c.gatewayURI(cid), nil
}

func (c *PinningClient) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.jwt)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pin request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read pin response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrPinRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed pinResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode pin response: %w", err)
	}
	if parsed.IpfsHash == "" {
		return "", fmt.Errorf("%w: response missing IpfsHash", ErrPinRejected)
	}
	return parsed.IpfsHash, nil
}

func (c *PinningClient) gatewayURI(cid string) string {
	gw := c.gateway
	if gw == "" {
		gw = "ipfs://"
	}
	if strings.HasSuffix(gw, "/") {
		return gw + cid
	}
	return gw + "/" + cid
}

var _ ContentStore = (*PinningClient)(nil)
