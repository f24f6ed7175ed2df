// Package vkapi contains minimal helpers to interact with the VK API for
// sending and deleting messages, removing chat users, and resolving user
// names, plus the Bots Long Poll session manager used by the event loop.
package vkapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIVersion is sent with every request.
const APIVersion = "5.131"

// DefaultBaseURL is the production VK API host.
const DefaultBaseURL = "https://api.vk.com"

// Client provides the outbound VK API surface the bot needs.
type Client struct {
	Token      string
	GroupID    int64
	HTTPClient *http.Client
	BaseURL    string // override for tests
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimSuffix(c.BaseURL, "/")
	}
	return DefaultBaseURL
}

// apiError is the error envelope VK wraps failed method calls in.
type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

// call invokes a VK API method with the client token and decodes the
// "response" payload into out (which may be nil when the caller only cares
// about success).
func (c *Client) call(ctx context.Context, method string, params url.Values, out any) error {
	params.Set("access_token", c.Token)
	params.Set("v", APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base()+"/method/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var body struct {
		Error    *apiError       `json:"error"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	if body.Error != nil {
		return fmt.Errorf("%s: %w", method, body.Error)
	}
	if out != nil && len(body.Response) > 0 {
		if err := json.Unmarshal(body.Response, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", method, err)
		}
	}
	return nil
}

// SendMessage posts a plain-text message into a peer.
func (c *Client) SendMessage(ctx context.Context, peer int64, text string) error {
	params := url.Values{}
	params.Set("peer_id", strconv.FormatInt(peer, 10))
	params.Set("message", text)
	params.Set("random_id", strconv.FormatInt(int64(rand.Int32()), 10))
	return c.call(ctx, "messages.send", params, nil)
}

// DeleteMessage removes a conversation message for everyone.
func (c *Client) DeleteMessage(ctx context.Context, peer, conversationMessageID int64) error {
	params := url.Values{}
	params.Set("peer_id", strconv.FormatInt(peer, 10))
	params.Set("conversation_message_ids", strconv.FormatInt(conversationMessageID, 10))
	params.Set("delete_for_all", "1")
	return c.call(ctx, "messages.delete", params, nil)
}

// chatIDOffset converts between peer ids and chat ids; group conversations
// are addressed as peer_id = 2000000000 + chat_id.
const chatIDOffset = 2000000000

// RemoveChatUser kicks a user out of a group conversation.
func (c *Client) RemoveChatUser(ctx context.Context, peer, user int64) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(peer-chatIDOffset, 10))
	params.Set("user_id", strconv.FormatInt(user, 10))
	return c.call(ctx, "messages.removeChatUser", params, nil)
}

// User is the subset of users.get fields the bot renders.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// GetUsers resolves user profiles for the given ids.
func (c *Client) GetUsers(ctx context.Context, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.FormatInt(id, 10)
	}
	params := url.Values{}
	params.Set("user_ids", strings.Join(strs, ","))
	params.Set("fields", "first_name,last_name")
	var users []User
	if err := c.call(ctx, "users.get", params, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// UserMention renders a clickable [id123|Name] mention, falling back to the
// bare id when the profile lookup fails.
func (c *Client) UserMention(ctx context.Context, user int64) string {
	users, err := c.GetUsers(ctx, []int64{user})
	if err != nil || len(users) == 0 {
		if err != nil {
			slog.Debug("users.get failed", slog.Int64("user_id", user), slog.Any("err", err))
		}
		return fmt.Sprintf("[id%d|id%d]", user, user)
	}
	name := strings.TrimSpace(users[0].FirstName + " " + users[0].LastName)
	return fmt.Sprintf("[id%d|%s]", user, name)
}

// ChatTitle returns the conversation title, or a "Chat #peer" placeholder.
func (c *Client) ChatTitle(ctx context.Context, peer int64) string {
	params := url.Values{}
	params.Set("peer_ids", strconv.FormatInt(peer, 10))
	var resp struct {
		Items []struct {
			ChatSettings struct {
				Title string `json:"title"`
			} `json:"chat_settings"`
		} `json:"items"`
	}
	if err := c.call(ctx, "messages.getConversationsById", params, &resp); err != nil || len(resp.Items) == 0 || resp.Items[0].ChatSettings.Title == "" {
		return fmt.Sprintf("Chat #%d", peer)
	}
	return resp.Items[0].ChatSettings.Title
}

// FormatDuration renders durations the way chat notices expect: seconds
// below a minute, whole minutes below an hour, then hours and minutes.
func FormatDuration(d time.Duration) string {
	s := int(d.Seconds())
	switch {
	case s < 60:
		return fmt.Sprintf("%d sec", s)
	case s < 3600:
		return fmt.Sprintf("%d min", s/60)
	default:
		return fmt.Sprintf("%d h %d min", s/3600, (s%3600)/60)
	}
}
