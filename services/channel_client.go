package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"waitlist-campaign/config"
	"waitlist-campaign/models"
)

// ChannelChecker reports whether a Telegram user belongs to the campaign channel.
type ChannelChecker interface {
	IsMember(ctx context.Context, telegramID int64) (bool, error)
}

// TelegramClient checks channel membership through the Bot API.
type TelegramClient struct {
	BaseURL   string
	Token     string
	ChannelID string
	Client    *http.Client
}

type getChatMemberResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		Status   string `json:"status"`
		IsMember bool   `json:"is_member"`
	} `json:"result"`
}

func NewTelegramClient(cfg config.TelegramConfig) *TelegramClient {
	return &TelegramClient{
		BaseURL:   cfg.APIBase,
		Token:     cfg.BotToken,
		ChannelID: cfg.ChannelID,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsMember calls getChatMember for the configured channel.
func (c *TelegramClient) IsMember(ctx context.Context, telegramID int64) (bool, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return false, fmt.Errorf("invalid telegram api url %q: %w", c.BaseURL, err)
	}
	endpoint := base.JoinPath("bot"+c.Token, "getChatMember")
	q := endpoint.Query()
	q.Set("chat_id", c.ChannelID)
	q.Set("user_id", strconv.FormatInt(telegramID, 10))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: telegram request failed: %w", models.ErrTransient, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	var out getChatMemberResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return false, fmt.Errorf("failed to decode telegram response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("%w: telegram returned %d", models.ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest && !out.OK:
		// "user not found" and friends: treat as not a member.
		return false, nil
	case resp.StatusCode != http.StatusOK || !out.OK:
		return false, fmt.Errorf("telegram getChatMember failed: %d %s", resp.StatusCode, out.Description)
	}

	switch out.Result.Status {
	case "creator", "administrator", "member":
		return true, nil
	case "restricted":
		return out.Result.IsMember, nil
	default:
		return false, nil
	}
}
