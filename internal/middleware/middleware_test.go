package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const testSecret = "test-secret"

func protectedApp(h fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Get("/me", h, func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c) + "|" + GetUserEmail(c))
	})
	return app
}

func TestAuthenticateAcceptsValidToken(t *testing.T) {
	m := NewAuthMiddleware(testSecret)
	token, err := m.GenerateToken("user-1", "a@example.com")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := protectedApp(m.Authenticate()).Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "user-1|a@example.com" {
		t.Errorf("unexpected identity %q", body)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	other, _ := NewAuthMiddleware("other-secret").GenerateToken("user-1", "")
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"wrong secret", "Bearer " + other},
	}
	app := protectedApp(NewAuthMiddleware(testSecret).Authenticate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req, -1)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", resp.StatusCode)
			}
		})
	}
}

func TestGenerateTokenWithoutSecret(t *testing.T) {
	if _, err := NewAuthMiddleware("").GenerateToken("u", ""); err == nil {
		t.Error("expected error without secret")
	}
}

func TestGatewayAuth(t *testing.T) {
	app := protectedApp(GatewayAuthMiddleware())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	resp, _ := app.Test(req, -1)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without headers, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-User-Id", "gw-user")
	req.Header.Set("X-User-Email", "gw@example.com")
	resp, _ = app.Test(req, -1)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "gw-user|gw@example.com" {
		t.Errorf("unexpected gateway response %d %q", resp.StatusCode, body)
	}
}

func TestRateLimiterFailsOpen(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer rdb.Close()
	rl := NewRateLimiter(rdb)

	app := fiber.New()
	app.Post("/batches", func(c *fiber.Ctx) error {
		c.Locals("userId", "u1")
		return c.Next()
	}, rl.BatchLimit(1), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusAccepted)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/batches", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected request to pass when redis is unavailable, got %d", resp.StatusCode)
	}
}
