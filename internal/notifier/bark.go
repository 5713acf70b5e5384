package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BarkGateway posts payloads to a Bark server.
type BarkGateway struct {
	baseURL   string
	deviceKey string
	client    *http.Client
}

type barkResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func NewBark(baseURL, deviceKey string, client *http.Client) (*BarkGateway, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("bark url is required")
	}
	if strings.TrimSpace(deviceKey) == "" {
		return nil, fmt.Errorf("bark device key is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &BarkGateway{baseURL: baseURL, deviceKey: strings.TrimSpace(deviceKey), client: client}, nil
}

func (g *BarkGateway) Name() string { return "bark" }

// MaskedKey returns the device key with its middle hidden.
func (g *BarkGateway) MaskedKey() string { return MaskKey(g.deviceKey) }

func (g *BarkGateway) Send(ctx context.Context, p Payload) (Ack, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/"+g.deviceKey, bytes.NewReader(body))
	if err != nil {
		return Ack{}, &DeliveryError{Gateway: g.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := g.client.Do(req)
	if err != nil {
		return Ack{}, &DeliveryError{Gateway: g.Name(), Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Ack{}, &DeliveryError{Gateway: g.Name(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, &DeliveryError{Gateway: g.Name(), Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	var br barkResponse
	if err := json.Unmarshal(raw, &br); err != nil {
		return Ack{}, &DeliveryError{Gateway: g.Name(), Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if br.Code != 200 {
		// Bark reports logical errors (bad key, etc.) with HTTP 200 and its own code.
		status := br.Code
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		return Ack{}, &DeliveryError{Gateway: g.Name(), Status: status, Code: br.Code, Message: br.Message}
	}
	return Ack{Gateway: g.Name(), Code: br.Code, Message: br.Message, Timestamp: br.Timestamp}, nil
}

// MaskKey keeps the first and last four characters of a secret.
func MaskKey(k string) string {
	if len(k) <= 8 {
		return "***"
	}
	return k[:4] + "..." + k[len(k)-4:]
}
