package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordedRequest struct {
	method string
	path   string
	key    string
	body   map[string]any
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var reqs []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{method: r.Method, path: r.URL.Path, key: r.Header.Get(KeyHeader)}
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		reqs = append(reqs, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestStatus_SendsKeyAndDecodes(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusOK, `{"username":"noa","esh":140,"is_admin":true,"user_id":"u1"}`)
	c := NewClient(srv.URL+"/", "key-123")

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() err=%v", err)
	}
	if st.UserID != "u1" || st.Balance != 140 || !st.IsAdmin || st.Username == nil || *st.Username != "noa" {
		t.Fatalf("status=%+v", st)
	}
	got := (*reqs)[0]
	if got.method != http.MethodGet || got.path != "/user/status" || got.key != "key-123" {
		t.Fatalf("request=%+v", got)
	}
}

func TestEndpoints_PathsAndBodies(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		call   func(c *Client) error
		method string
		path   string
		body   map[string]any
	}{
		{
			name:   "login",
			call:   func(c *Client) error { _, err := c.Login(ctx, "noa"); return err },
			method: http.MethodPost, path: "/user/login",
			body: map[string]any{"username": "noa"},
		},
		{
			name:   "chat",
			call:   func(c *Client) error { return c.SendChat(ctx, "hello") },
			method: http.MethodPost, path: "/user/chat",
			body: map[string]any{"message": "hello"},
		},
		{
			name:   "transfer",
			call:   func(c *Client) error { _, err := c.Transfer(ctx, "u2", 15); return err },
			method: http.MethodPost, path: "/user/transfer",
			body: map[string]any{"to_user_id": "u2", "amount": float64(15)},
		},
		{
			name:   "pin",
			call:   func(c *Client) error { return c.Pin(ctx, "doors open") },
			method: http.MethodPost, path: "/admin/pin",
			body: map[string]any{"message": "doors open"},
		},
		{
			name:   "unpin",
			call:   func(c *Client) error { return c.Unpin(ctx) },
			method: http.MethodDelete, path: "/admin/pin",
		},
		{
			name:   "update balance",
			call:   func(c *Client) error { _, err := c.UpdateBalance(ctx, "u3", -20); return err },
			method: http.MethodPost, path: "/admin/update_balance",
			body: map[string]any{"user_id": "u3", "change": float64(-20)},
		},
		{
			name:   "delete user",
			call:   func(c *Client) error { return c.DeleteUser(ctx, "u4") },
			method: http.MethodDelete, path: "/admin/user/u4",
		},
		{
			name:   "timer",
			call:   func(c *Client) error { _, err := c.Timer(ctx, TimerStart, 300); return err },
			method: http.MethodPost, path: "/admin/timer",
			body: map[string]any{"action": "start", "duration_seconds": float64(300)},
		},
		{
			name:   "user qr",
			call:   func(c *Client) error { _, err := c.UserQR(ctx, "u5"); return err },
			method: http.MethodGet, path: "/admin/qr/u5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reqs := newTestServer(t, http.StatusOK, `{}`)
			c := NewClient(srv.URL, "admin-key")
			if err := tt.call(c); err != nil {
				t.Fatalf("call err=%v", err)
			}
			got := (*reqs)[0]
			if got.method != tt.method || got.path != tt.path || got.key != "admin-key" {
				t.Fatalf("request=%s %s key=%q want %s %s", got.method, got.path, got.key, tt.method, tt.path)
			}
			for k, want := range tt.body {
				if got.body[k] != want {
					t.Fatalf("body[%s]=%v want %v", k, got.body[k], want)
				}
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusConflict, `{"error":"Username is already taken"}`)
	c := NewClient(srv.URL, "k")

	_, err := c.Login(context.Background(), "dana")
	if !errors.Is(err, ErrStatus) {
		t.Fatalf("err=%v want ErrStatus", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusConflict || se.Message != "Username is already taken" {
		t.Fatalf("status error=%+v", se)
	}
}

func TestClientSideValidation(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusOK, `{}`)
	c := NewClient(srv.URL, "k")

	if _, err := c.Transfer(context.Background(), "u2", 0); err == nil {
		t.Fatalf("zero transfer accepted")
	}
	if _, err := c.Login(context.Background(), ""); err == nil {
		t.Fatalf("empty username accepted")
	}
	if len(*reqs) != 0 {
		t.Fatalf("invalid calls reached the server")
	}
}

func TestSetKey_ClearsHeader(t *testing.T) {
	srv, reqs := newTestServer(t, http.StatusOK, `[]`)
	c := NewClient(srv.URL, "k")
	c.SetKey("")

	if c.Credential() != "" {
		t.Fatalf("credential=%q want empty", c.Credential())
	}
	if _, err := c.Users(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := (*reqs)[0].key; got != "" {
		t.Fatalf("key header sent after sign out: %q", got)
	}
}
