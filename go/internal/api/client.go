package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/mcdev12/eshlive/go/internal/live/events"
)

// TimerAction is one of the admin timer commands
type TimerAction string

const (
	TimerStart TimerAction = "start"
	TimerPause TimerAction = "pause" // toggles between paused and running
	TimerReset TimerAction = "reset"
)

// UserStatus is the signed-in user as the server sees it
type UserStatus struct {
	UserID   string  `json:"user_id"`
	Username *string `json:"username"`
	Balance  int64   `json:"esh"`
	IsAdmin  bool    `json:"is_admin"`
}

type LoginResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Balance  int64  `json:"esh"`
}

type TransferResult struct {
	FromBalance int64 `json:"from_balance"`
	ToBalance   int64 `json:"to_balance"`
}

// DirectoryUser is a transfer target listed by /users
type DirectoryUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// QRCode carries a login QR as a data URL. UserKey is only set on creation.
type QRCode struct {
	UserID  string `json:"user_id"`
	UserKey string `json:"user_key,omitempty"`
	QR      string `json:"qr_base64"`
}

type BalanceResult struct {
	UserID     string `json:"user_id"`
	NewBalance int64  `json:"new_balance"`
}

// Client calls the REST collaborator. Its calls are one-way triggers: results
// reach the live state only through the push channel.
type Client struct {
	*BaseClient
}

// NewClient creates a client for baseURL authenticated with key
func NewClient(baseURL, key string) *Client {
	c := &Client{BaseClient: NewBaseClient(baseURL)}
	c.SetKey(key)
	return c
}

// SetKey replaces the credential. An empty key signs out.
func (c *Client) SetKey(key string) {
	c.SetHeader(KeyHeader, key)
}

// Credential returns the current key
func (c *Client) Credential() string {
	return c.Header(KeyHeader)
}

func (c *Client) Status(ctx context.Context) (*UserStatus, error) {
	var out UserStatus
	if err := c.Get(ctx, "/user/status", &out); err != nil {
		return nil, fmt.Errorf("get user status: %w", err)
	}
	return &out, nil
}

func (c *Client) Login(ctx context.Context, username string) (*LoginResponse, error) {
	if username == "" {
		return nil, errors.New("username cannot be empty")
	}
	var out LoginResponse
	body := map[string]string{"username": username}
	if err := c.Post(ctx, "/user/login", body, &out); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &out, nil
}

func (c *Client) SendChat(ctx context.Context, message string) error {
	body := map[string]string{"message": message}
	if err := c.Post(ctx, "/user/chat", body, nil); err != nil {
		return fmt.Errorf("send chat: %w", err)
	}
	return nil
}

func (c *Client) Transfer(ctx context.Context, toUserID string, amount int64) (*TransferResult, error) {
	if amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	var out TransferResult
	body := map[string]any{"to_user_id": toUserID, "amount": amount}
	if err := c.Post(ctx, "/user/transfer", body, &out); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	return &out, nil
}

func (c *Client) Users(ctx context.Context) ([]DirectoryUser, error) {
	var out []DirectoryUser
	if err := c.Get(ctx, "/users", &out); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return out, nil
}

func (c *Client) CreateQR(ctx context.Context) (*QRCode, error) {
	var out QRCode
	if err := c.Post(ctx, "/admin/create_qr", nil, &out); err != nil {
		return nil, fmt.Errorf("create qr: %w", err)
	}
	return &out, nil
}

func (c *Client) UserQR(ctx context.Context, userID string) (*QRCode, error) {
	var out QRCode
	if err := c.Get(ctx, "/admin/qr/"+url.PathEscape(userID), &out); err != nil {
		return nil, fmt.Errorf("get qr for %s: %w", userID, err)
	}
	return &out, nil
}

func (c *Client) Pin(ctx context.Context, message string) error {
	body := map[string]string{"message": message}
	if err := c.Post(ctx, "/admin/pin", body, nil); err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	return nil
}

func (c *Client) Unpin(ctx context.Context) error {
	if err := c.Delete(ctx, "/admin/pin", nil); err != nil {
		return fmt.Errorf("remove pin: %w", err)
	}
	return nil
}

func (c *Client) UpdateBalance(ctx context.Context, userID string, change int64) (*BalanceResult, error) {
	var out BalanceResult
	body := map[string]any{"user_id": userID, "change": change}
	if err := c.Post(ctx, "/admin/update_balance", body, &out); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	return &out, nil
}

func (c *Client) DeleteUser(ctx context.Context, userID string) error {
	if err := c.Delete(ctx, "/admin/user/"+url.PathEscape(userID), nil); err != nil {
		return fmt.Errorf("delete user %s: %w", userID, err)
	}
	return nil
}

// Timer sends a timer command. durationSeconds is only read by TimerStart.
func (c *Client) Timer(ctx context.Context, action TimerAction, durationSeconds int) (*events.TimerState, error) {
	var out events.TimerState
	body := map[string]any{"action": action, "duration_seconds": durationSeconds}
	if err := c.Post(ctx, "/admin/timer", body, &out); err != nil {
		return nil, fmt.Errorf("timer %s: %w", action, err)
	}
	return &out, nil
}
