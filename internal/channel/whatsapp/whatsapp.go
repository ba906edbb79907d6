// Package whatsapp talks to the WhatsApp Cloud API: it sends text messages
// through the Graph API and parses and authenticates inbound webhooks.
package whatsapp

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

// DefaultAPIBase is the Graph API root used when none is configured.
const DefaultAPIBase = "https://graph.facebook.com/v17.0"

// Client sends messages from one business phone number.
type Client struct {
	baseURL    string
	token      string
	phoneID    string
	httpClient *http.Client
}

// NewClient creates a Client. An empty baseURL uses DefaultAPIBase.
func NewClient(baseURL, token, phoneID string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		phoneID: phoneID,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send posts a text message to chatID (the recipient's phone number) and
// returns the provider message id.
func (c *Client) Send(ctx context.Context, chatID, text string) (string, error) {
	reqBody, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		To:               chatID,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("whatsapp: status %d: %s", resp.StatusCode, string(body))
	}

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whatsapp: decode response: %w", err)
	}
	if len(result.Messages) == 0 {
		return "", nil
	}
	return result.Messages[0].ID, nil
}
