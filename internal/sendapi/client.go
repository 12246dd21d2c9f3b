// Package sendapi is the HTTP client for the social-network messaging
// provider: connection invitations and direct messages.
package sendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/zulandar/outreach/internal/config"
	"github.com/zulandar/outreach/internal/dispatch"
	"github.com/zulandar/outreach/internal/models"
	"github.com/zulandar/outreach/internal/prepare"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 512

// maxResponseBody bounds how much of a successful response is read.
const maxResponseBody = 64 << 10

var profileID = regexp.MustCompile(`/in/([^/?#]+)`)

// Client sends through the provider's REST API.
type Client struct {
	baseURL   string
	apiKey    string
	accountID string
	http      *http.Client
}

// New returns a Client for cfg.
func New(cfg config.SenderConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("sendapi: base_url is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("sendapi: api_key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		accountID: cfg.AccountID,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

var _ dispatch.Sender = (*Client)(nil)

// ProviderID returns the provider's id for a contact: the stored one, or the
// slug of the profile URL.
func ProviderID(c models.Contact) string {
	if c.ProviderID != "" {
		return c.ProviderID
	}
	m := profileID.FindStringSubmatch(c.ProfileURL)
	if m == nil {
		return ""
	}
	slug, err := url.PathUnescape(m[1])
	if err != nil {
		return m[1]
	}
	return slug
}

// SendInvitation sends a connection request with a note.
func (c *Client) SendInvitation(ctx context.Context, contact models.Contact, note string) error {
	const op = "invitation"
	id := ProviderID(contact)
	if id == "" {
		return &dispatch.SendError{Op: op, Err: fmt.Errorf("contact %s has no provider id or profile url", contact.ID)}
	}
	_, err := c.post(ctx, op, "/users/invite", map[string]interface{}{
		"provider_id": id,
		"account_id":  c.accountID,
		"message":     prepare.Truncate(note, prepare.MaxNoteLength),
	})
	return err
}

// SendMessage sends a direct message, starting a chat when the contact has
// none yet. It returns the chat id the message went to.
func (c *Client) SendMessage(ctx context.Context, contact models.Contact, text string) (string, error) {
	const op = "message"
	if contact.ChatID != "" {
		_, err := c.post(ctx, op, "/chats/"+url.PathEscape(contact.ChatID)+"/messages", map[string]interface{}{
			"account_id": c.accountID,
			"text":       text,
		})
		if err != nil {
			return "", err
		}
		return contact.ChatID, nil
	}
	id := ProviderID(contact)
	if id == "" {
		return "", &dispatch.SendError{Op: op, Err: fmt.Errorf("contact %s has no chat or provider id", contact.ID)}
	}
	respBody, err := c.post(ctx, op, "/chats", map[string]interface{}{
		"account_id":    c.accountID,
		"attendees_ids": []string{id},
		"text":          text,
	})
	if err != nil {
		return "", err
	}
	// The message is out even if the body is unreadable; the next message
	// just starts another chat.
	var started struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.Unmarshal(respBody, &started); err != nil {
		return "", nil
	}
	return started.ChatID, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &dispatch.SendError{Op: op, Err: fmt.Errorf("marshal: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &dispatch.SendError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &dispatch.SendError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &dispatch.SendError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return respBody, nil
}
