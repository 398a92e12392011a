package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func runWithTimeout(t *testing.T, timeout time.Duration, path string, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, path, nil), rec)
	return rec, RequestTimeout(timeout)(handler)(c)
}

func TestRequestTimeout_SlowProcessReturns504(t *testing.T) {
	rec, err := runWithTimeout(t, 50*time.Millisecond, "/reports/abc/process", func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.NoContent(http.StatusOK)
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["message"] == "" {
		t.Error("expected a message in the timeout body")
	}
}

func TestRequestTimeout_DeadlineOnContext(t *testing.T) {
	var remaining time.Duration
	_, err := runWithTimeout(t, 30*time.Second, "/reports", func(c echo.Context) error {
		deadline, ok := c.Request().Context().Deadline()
		if !ok {
			t.Error("expected a deadline")
		}
		remaining = time.Until(deadline)
		return c.NoContent(http.StatusOK)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining <= 0 || remaining > 30*time.Second {
		t.Errorf("remaining = %s, want within (0, 30s]", remaining)
	}
}

func TestRequestTimeout_Skips(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		path    string
	}{
		{"websocket", 50 * time.Millisecond, "/ws"},
		{"disabled", 0, "/reports"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runWithTimeout(t, tt.timeout, tt.path, func(c echo.Context) error {
				if deadline, ok := c.Request().Context().Deadline(); ok && time.Until(deadline) < time.Second {
					t.Error("expected no short deadline")
				}
				return c.NoContent(http.StatusOK)
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestRequestTimeout_PropagatesHandlerError(t *testing.T) {
	_, err := runWithTimeout(t, 5*time.Second, "/reports/123/verify", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "report already approved")
	})
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusConflict {
		t.Errorf("code = %d, want 409", httpErr.Code)
	}
}
