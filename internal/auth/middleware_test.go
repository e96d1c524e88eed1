package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
)

func TestJWTMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/private", JWTMiddleware("secret"), func(c *fiber.Ctx) error {
		if c.Locals("user_id") == nil {
			return fiber.NewError(fiber.StatusUnauthorized)
		}
		return c.JSON(fiber.Map{"user_id": UserID(c), "role": c.Locals("role")})
	})

	svc := NewService("secret", nil)

	// missing token
	req := httptest.NewRequest(http.MethodGet, "/private", nil)
	resp, _ := app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}

	// wrong secret
	other := NewService("other", nil)
	bad, _ := other.signToken("user-1", RoleDriver, accessTokenTTL)
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for foreign token")
	}

	token, _ := svc.signToken("user-1", RoleDriver, accessTokenTTL)
	req = httptest.NewRequest(http.MethodGet, "/private", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, _ = app.Test(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ok, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["user_id"] != "user-1" || body["role"] != RoleDriver {
		t.Fatalf("unexpected locals: %v", body)
	}
}

func TestRequireRole(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	defer mock.Close()

	svc := NewService("secret", mock)
	app := fiber.New()
	app.Get("/driver", JWTMiddleware("secret"), RequireRole(svc, RoleDriver), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})

	call := func(userID string) int {
		token, _ := svc.signToken(userID, RoleDriver, accessTokenTTL)
		req := httptest.NewRequest(http.MethodGet, "/driver", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return resp.StatusCode
	}

	mock.ExpectQuery(`SELECT role FROM users`).
		WithArgs("driver-1").
		WillReturnRows(pgxmock.NewRows([]string{"role"}).AddRow(RoleDriver))
	if code := call("driver-1"); code != http.StatusOK {
		t.Fatalf("expected ok, got %d", code)
	}

	// role in the token is stale; the stored role wins
	mock.ExpectQuery(`SELECT role FROM users`).
		WithArgs("dispatcher-1").
		WillReturnRows(pgxmock.NewRows([]string{"role"}).AddRow(RoleDispatcher))
	if code := call("dispatcher-1"); code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", code)
	}

	mock.ExpectQuery(`SELECT role FROM users`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)
	if code := call("ghost"); code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", code)
	}

	mock.ExpectQuery(`SELECT role FROM users`).
		WithArgs("broken").
		WillReturnError(pgErr)
	if code := call("broken"); code != http.StatusInternalServerError {
		t.Fatalf("expected server error, got %d", code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequireRoleWithoutUser(t *testing.T) {
	app := fiber.New()
	app.Get("/driver", RequireRole(NewService("secret", nil), RoleDriver), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusOK)
	})
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/driver", nil))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized")
	}
}

func TestRegisterUnknownRole(t *testing.T) {
	svc := NewService("secret", nil)
	_, _, err := svc.Register(context.Background(), RegisterRequest{Email: "a@b.c", Username: "a", Password: "p", Role: "pilot"})
	if err != ErrUnknownRole {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}
