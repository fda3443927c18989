package mailgun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jwalitptl/mailgate/internal/config"
	"github.com/jwalitptl/mailgate/pkg/circuitbreaker"
	"github.com/jwalitptl/mailgate/pkg/logger"
	"github.com/jwalitptl/mailgate/pkg/metrics"
)

// Client talks to the provider's HTTP API: message send, raw-MIME resend,
// stored-message fetch, event search and bounce suppression management.
// All calls use a bounded timeout and go through a circuit breaker.
type Client struct {
	cfg     config.MailgunConfig
	http    *http.Client
	cb      *circuitbreaker.CircuitBreaker
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewClient(cfg config.MailgunConfig, log *logger.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("mailgun API key is not configured")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("mailgun domain is not configured")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "mailgun-api",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
		logger:  log,
		metrics: m,
	}, nil
}

// CleanMessageID strips the angle-bracket delimiters providers wrap message
// ids in.
func CleanMessageID(id string) string {
	return strings.Trim(id, "<>")
}

// Attachment is one file attached to an outbound message.
type Attachment struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mimetype"`
	FileContent []byte `json:"fileContent"`
}

type sendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// Send submits a message through the send API. Params carry the full
// provider parameter schema (from/to/subject/..., o:*, h:*, v:*, t:*).
// Returns the cleaned message id.
func (c *Client) Send(ctx context.Context, params map[string][]string, attachments []Attachment) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for key, values := range params {
		for _, v := range values {
			if err := writer.WriteField(key, v); err != nil {
				return "", fmt.Errorf("failed to encode field %s: %w", key, err)
			}
		}
	}

	for _, att := range attachments {
		part, err := writer.CreateFormFile("attachment", att.Filename)
		if err != nil {
			return "", fmt.Errorf("failed to encode attachment %s: %w", att.Filename, err)
		}
		if _, err := part.Write(att.FileContent); err != nil {
			return "", fmt.Errorf("failed to write attachment %s: %w", att.Filename, err)
		}
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize request body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.cfg.APIBase, c.cfg.Domain)
	respBody, err := c.do(ctx, http.MethodPost, endpoint, writer.FormDataContentType(), body)
	if err != nil {
		return "", err
	}

	var resp sendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	return CleanMessageID(resp.ID), nil
}

// SendMIME resends raw MIME content through the messages.mime API. The
// recipient list is deliberately the single address being remediated, not
// the message's original recipient list.
func (c *Client) SendMIME(ctx context.Context, recipient string, mimeContent []byte, options map[string]string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient is required")
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if err := writer.WriteField("to", recipient); err != nil {
		return "", fmt.Errorf("failed to encode recipient: %w", err)
	}
	for key, v := range options {
		if err := writer.WriteField(key, v); err != nil {
			return "", fmt.Errorf("failed to encode option %s: %w", key, err)
		}
	}

	part, err := writer.CreateFormFile("message", "message.mime")
	if err != nil {
		return "", fmt.Errorf("failed to encode MIME part: %w", err)
	}
	if _, err := part.Write(mimeContent); err != nil {
		return "", fmt.Errorf("failed to write MIME content: %w", err)
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize request body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages.mime", c.cfg.APIBase, c.cfg.Domain)
	respBody, err := c.do(ctx, http.MethodPost, endpoint, writer.FormDataContentType(), body)
	if err != nil {
		return "", err
	}

	var resp sendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to decode send response: %w", err)
	}
	return CleanMessageID(resp.ID), nil
}

type storedMessage struct {
	BodyMIME string `json:"body-mime"`
}

// FetchStored downloads the raw MIME for a message from its per-event
// storage URL. The provider keeps stored content for 3 days only; after
// that this returns an error and callers fall back to the local cache.
func (c *Client) FetchStored(ctx context.Context, storageURL string) ([]byte, error) {
	if storageURL == "" {
		return nil, fmt.Errorf("storage URL is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, storageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build storage request: %w", err)
	}
	req.SetBasicAuth("api", c.cfg.APIKey)
	req.Header.Set("Accept", "message/rfc2822")

	var respBody []byte
	err = c.cb.Execute(func() error {
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("storage fetch returned status %d", resp.StatusCode)
		}

		respBody, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stored message: %w", err)
	}

	var stored storedMessage
	if err := json.Unmarshal(respBody, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode stored message: %w", err)
	}
	if stored.BodyMIME == "" {
		return nil, fmt.Errorf("stored message has no MIME body")
	}
	return []byte(stored.BodyMIME), nil
}

// AddBounce puts an address on the provider's bounce suppression list.
func (c *Client) AddBounce(ctx context.Context, address, code, errorText string, createdAt time.Time) error {
	form := url.Values{}
	form.Set("address", address)
	if code != "" {
		form.Set("code", code)
	}
	if errorText != "" {
		form.Set("error", errorText)
	}
	if !createdAt.IsZero() {
		form.Set("created_at", createdAt.UTC().Format(time.RFC1123Z))
	}

	endpoint := fmt.Sprintf("%s/%s/bounces", c.cfg.APIBase, c.cfg.Domain)
	_, err := c.do(ctx, http.MethodPost, endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	return err
}

// RemoveBounce takes an address off the bounce suppression list.
func (c *Client) RemoveBounce(ctx context.Context, address string) error {
	endpoint := fmt.Sprintf("%s/%s/bounces/%s", c.cfg.APIBase, c.cfg.Domain, url.PathEscape(address))
	_, err := c.do(ctx, http.MethodDelete, endpoint, "", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth("api", c.cfg.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	var respBody []byte
	err = c.cb.Execute(func() error {
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(respBody, 256))
		}
		return nil
	})
	if err != nil {
		c.logger.Error(err, "provider API call failed", "method", method, "endpoint", endpoint)
		return nil, err
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
