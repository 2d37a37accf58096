package xguard

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestDecision_RetryAfterSeconds(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		want       int
	}{
		{"zero", 0, 0},
		{"sub-second rounds up to one", 300 * time.Millisecond, 1},
		{"exact second", time.Second, 1},
		{"fraction rounds up", 1500 * time.Millisecond, 2},
		{"minutes", 5 * time.Minute, 300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decision{RetryAfter: tt.retryAfter}
			if got := d.RetryAfterSeconds(); got != tt.want {
				t.Errorf("RetryAfterSeconds() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDecision_Headers(t *testing.T) {
	reset := time.Unix(1700000000, 0)

	t.Run("allowed", func(t *testing.T) {
		d := Decision{Allowed: true, Limit: 5, Remaining: 2, ResetAt: reset}
		h := d.Headers()
		if h["X-RateLimit-Limit"] != "5" || h["X-RateLimit-Remaining"] != "2" {
			t.Errorf("quota headers = %v", h)
		}
		if h["X-RateLimit-Reset"] != "1700000000" {
			t.Errorf("reset header = %s", h["X-RateLimit-Reset"])
		}
		if _, ok := h["Retry-After"]; ok {
			t.Error("allowed decision must not carry Retry-After")
		}
	})

	t.Run("denied", func(t *testing.T) {
		d := Decision{Allowed: false, Limit: 5, RetryAfter: 90 * time.Second, ResetAt: reset}
		h := d.Headers()
		if h["Retry-After"] != "90" {
			t.Errorf("Retry-After = %s, want 90", h["Retry-After"])
		}
	})
}

func TestDecision_SetHeaders(t *testing.T) {
	t.Run("no quota info skips quota headers", func(t *testing.T) {
		w := httptest.NewRecorder()
		d := Decision{Allowed: true, Limit: 0}
		d.SetHeaders(w)
		if got := w.Header().Get("X-RateLimit-Limit"); got != "" {
			t.Errorf("X-RateLimit-Limit = %q, want unset when limit is unknown", got)
		}
	})

	t.Run("denied without quota still sets Retry-After", func(t *testing.T) {
		w := httptest.NewRecorder()
		d := Decision{Allowed: false, Limit: 0, RetryAfter: time.Second}
		d.SetHeaders(w)
		if got := w.Header().Get("Retry-After"); got != "1" {
			t.Errorf("Retry-After = %q, want 1", got)
		}
	})
}

func TestMerge(t *testing.T) {
	allow := func(remaining int) *Decision {
		return &Decision{Allowed: true, Limit: 10, Remaining: remaining, Class: ClassAPIGet, Scope: ScopeIP}
	}
	denied := func(retryAfter time.Duration) *Decision {
		return &Decision{Allowed: false, Limit: 10, RetryAfter: retryAfter, Class: ClassAPIGet, Scope: ScopeUser}
	}

	t.Run("nil operands", func(t *testing.T) {
		d := allow(3)
		if merge(nil, d) != d || merge(d, nil) != d {
			t.Error("merge with nil must return the other decision")
		}
	})

	t.Run("deny wins over allow", func(t *testing.T) {
		out := merge(allow(3), denied(time.Minute))
		if out.Allowed {
			t.Fatal("merged decision must be denied")
		}
		if out.RetryAfter != time.Minute {
			t.Errorf("RetryAfter = %v", out.RetryAfter)
		}
	})

	t.Run("longer retry-after wins", func(t *testing.T) {
		out := merge(denied(time.Minute), denied(5*time.Minute))
		if out.RetryAfter != 5*time.Minute {
			t.Errorf("RetryAfter = %v, want the stricter 5m", out.RetryAfter)
		}
	})

	t.Run("tighter remaining wins", func(t *testing.T) {
		out := merge(allow(7), allow(2))
		if !out.Allowed || out.Remaining != 2 {
			t.Errorf("merged = %+v, want allowed with remaining 2", out)
		}
	})

	t.Run("captcha is sticky across keys", func(t *testing.T) {
		a := allow(7)
		a.RequireCaptcha = true
		out := merge(a, allow(2))
		if !out.RequireCaptcha {
			t.Error("captcha requirement must survive the merge")
		}
	})

	t.Run("denied decision drops captcha", func(t *testing.T) {
		a := allow(3)
		a.RequireCaptcha = true
		out := merge(a, denied(time.Minute))
		if out.RequireCaptcha {
			t.Error("a denied response must not ask for captcha")
		}
	})
}
