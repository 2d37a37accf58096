package xguard

import (
	"strings"
	"testing"
)

func TestTrackingKey_StoreKeys(t *testing.T) {
	key := TrackingKey{Scope: ScopeIP, Identity: "203.0.113.7", Class: ClassAuthSignin}

	counter := key.CounterKey("xguard:")
	lockout := key.LockoutKey("xguard:")
	penalty := key.PenaltyKey("xguard:")

	t.Run("segments are distinct", func(t *testing.T) {
		if counter == lockout || counter == penalty || lockout == penalty {
			t.Fatalf("store keys must not collide: %s / %s / %s", counter, lockout, penalty)
		}
	})

	t.Run("prefix and segment", func(t *testing.T) {
		if !strings.HasPrefix(counter, "xguard:cnt:") {
			t.Errorf("counter key = %s, want prefix xguard:cnt:", counter)
		}
		if !strings.HasPrefix(lockout, "xguard:lock:") {
			t.Errorf("lockout key = %s, want prefix xguard:lock:", lockout)
		}
		if !strings.HasPrefix(penalty, "xguard:bot:") {
			t.Errorf("penalty key = %s, want prefix xguard:bot:", penalty)
		}
	})

	t.Run("identity is digested", func(t *testing.T) {
		if strings.Contains(counter, "203.0.113.7") {
			t.Errorf("store key must not contain raw identity: %s", counter)
		}
	})

	t.Run("digest is deterministic", func(t *testing.T) {
		again := TrackingKey{Scope: ScopeIP, Identity: "203.0.113.7", Class: ClassAuthSignin}
		if again.CounterKey("xguard:") != counter {
			t.Error("same key must produce the same store key")
		}
	})
}

func TestTrackingKey_Independence(t *testing.T) {
	base := TrackingKey{Scope: ScopeIP, Identity: "203.0.113.7", Class: ClassAPIGet}

	t.Run("different scope", func(t *testing.T) {
		other := base
		other.Scope = ScopeUser
		if other.CounterKey("p:") == base.CounterKey("p:") {
			t.Error("scope must partition the key space")
		}
	})

	t.Run("different class", func(t *testing.T) {
		other := base
		other.Class = ClassAPIPost
		if other.CounterKey("p:") == base.CounterKey("p:") {
			t.Error("class must partition the key space")
		}
	})

	t.Run("different identity", func(t *testing.T) {
		other := base
		other.Identity = "203.0.113.8"
		if other.CounterKey("p:") == base.CounterKey("p:") {
			t.Error("identity must partition the key space")
		}
	})
}

func TestTrackingKey_String(t *testing.T) {
	key := TrackingKey{Scope: ScopeUser, Identity: "u_1042", Class: ClassTwoFAVerify}
	s := key.String()
	if !strings.Contains(s, "u_1042") {
		t.Errorf("String() = %s, want raw identity for operator logs", s)
	}
	if !strings.Contains(s, string(ScopeUser)) {
		t.Errorf("String() = %s, want scope", s)
	}
}

func TestTrackingKey_IsZero(t *testing.T) {
	if !(TrackingKey{}).IsZero() {
		t.Error("zero value must report IsZero")
	}
	if (TrackingKey{Scope: ScopeIP}).IsZero() {
		t.Error("non-empty key must not report IsZero")
	}
}
