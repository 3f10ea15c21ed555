package gcal

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
)

func TestMirrorDateTime(t *testing.T) {
	t.Run("all-day passes through as a date", func(t *testing.T) {
		out := MirrorDateTime(&calendar.EventDateTime{Date: "2026-03-14"})
		if out.Date != "2026-03-14" {
			t.Errorf("expected date preserved, got %q", out.Date)
		}
		if out.DateTime != "" || out.TimeZone != "" {
			t.Error("all-day output must carry only the date")
		}
	})

	t.Run("named zone passes through", func(t *testing.T) {
		src := &calendar.EventDateTime{
			DateTime: "2026-03-14T10:00:00-07:00",
			TimeZone: "America/Los_Angeles",
		}
		out := MirrorDateTime(src)
		if out.TimeZone != "America/Los_Angeles" {
			t.Errorf("expected zone preserved, got %q", out.TimeZone)
		}
		if out.DateTime != src.DateTime {
			t.Errorf("expected datetime preserved, got %q", out.DateTime)
		}
	})

	t.Run("trailing Z becomes explicit UTC", func(t *testing.T) {
		out := MirrorDateTime(&calendar.EventDateTime{DateTime: "2026-03-14T17:00:00Z"})
		if out.TimeZone != "UTC" {
			t.Errorf("expected UTC, got %q", out.TimeZone)
		}
	})

	t.Run("bare numeric offset keeps the offset and no zone", func(t *testing.T) {
		out := MirrorDateTime(&calendar.EventDateTime{DateTime: "2026-03-14T10:00:00+05:30"})
		if out.TimeZone != "" {
			t.Errorf("expected empty zone, got %q", out.TimeZone)
		}
		if out.DateTime != "2026-03-14T10:00:00+05:30" {
			t.Errorf("expected offset preserved, got %q", out.DateTime)
		}
	})

	t.Run("nil passes through", func(t *testing.T) {
		if MirrorDateTime(nil) != nil {
			t.Error("expected nil")
		}
	})
}

func TestParseEventTime(t *testing.T) {
	t.Run("all-day date at midnight UTC", func(t *testing.T) {
		got, err := ParseEventTime(&calendar.EventDateTime{Date: "2026-03-14"})
		if err != nil {
			t.Fatalf("ParseEventTime failed: %v", err)
		}
		want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("expected %v, got %v", want, got)
		}
	})

	t.Run("timed value keeps its instant", func(t *testing.T) {
		got, err := ParseEventTime(&calendar.EventDateTime{DateTime: "2026-03-14T10:00:00-07:00"})
		if err != nil {
			t.Fatalf("ParseEventTime failed: %v", err)
		}
		want := time.Date(2026, 3, 14, 17, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("expected %v, got %v", want, got)
		}
	})

	t.Run("empty is an error", func(t *testing.T) {
		if _, err := ParseEventTime(nil); err == nil {
			t.Error("expected error")
		}
	})
}

func TestInstanceID(t *testing.T) {
	t.Run("all-day occurrence", func(t *testing.T) {
		id, err := InstanceID("parent123", &calendar.EventDateTime{Date: "2026-02-27"})
		if err != nil {
			t.Fatalf("InstanceID failed: %v", err)
		}
		if id != "parent123_20260227" {
			t.Errorf("expected parent123_20260227, got %s", id)
		}
	})

	t.Run("timed occurrence converts to UTC", func(t *testing.T) {
		id, err := InstanceID("parent123", &calendar.EventDateTime{DateTime: "2026-02-27T10:00:00-05:00"})
		if err != nil {
			t.Fatalf("InstanceID failed: %v", err)
		}
		if id != "parent123_20260227T150000Z" {
			t.Errorf("expected parent123_20260227T150000Z, got %s", id)
		}
	})

	t.Run("missing start is an error", func(t *testing.T) {
		if _, err := InstanceID("parent123", nil); err == nil {
			t.Error("expected error")
		}
	})
}

func TestSyncTag(t *testing.T) {
	event := &calendar.Event{Summary: "Busy"}
	if IsOurEvent(event) {
		t.Error("untagged event must not match")
	}

	TagEvent(event)
	if !IsOurEvent(event) {
		t.Error("tagged event must match")
	}

	// Foreign private properties do not match.
	foreign := &calendar.Event{
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{"other-app": "true"},
		},
	}
	if IsOurEvent(foreign) {
		t.Error("foreign event must not match")
	}

	if IsOurEvent(nil) {
		t.Error("nil event must not match")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"410 is an expired sync token", http.StatusGone, ErrSyncTokenExpired},
		{"403 is a permission failure", http.StatusForbidden, ErrPermission},
		{"404 is not found", http.StatusNotFound, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError(&googleapi.Error{Code: tt.code})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("other codes propagate unchanged", func(t *testing.T) {
		err := classifyError(&googleapi.Error{Code: http.StatusInternalServerError})
		if errors.Is(err, ErrSyncTokenExpired) || errors.Is(err, ErrPermission) || errors.Is(err, ErrNotFound) {
			t.Errorf("500 must stay generic, got %v", err)
		}
	})

	t.Run("nil stays nil", func(t *testing.T) {
		if classifyError(nil) != nil {
			t.Error("expected nil")
		}
	})
}

func TestIsInvalidGrant(t *testing.T) {
	retrieve := &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
	if !IsInvalidGrant(retrieve) {
		t.Error("RetrieveError with invalid_grant must match")
	}
	if !IsInvalidGrant(errors.New(`oauth2: "invalid_grant" token revoked`)) {
		t.Error("invalid_grant in message must match")
	}
	if IsInvalidGrant(errors.New("connection reset")) {
		t.Error("transient errors must not match")
	}
	if IsInvalidGrant(nil) {
		t.Error("nil must not match")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(ErrInvalidGrant) {
		t.Error("invalid_grant is permanent")
	}
	if IsRetryable(ErrSyncTokenExpired) {
		t.Error("expired token has its own recovery path")
	}
	if IsRetryable(ErrPermission) || IsRetryable(ErrNotFound) {
		t.Error("taxonomy sentinels are not retryable")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("transient errors are retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestCredentialsFromToken(t *testing.T) {
	t.Run("refresh token survives omission", func(t *testing.T) {
		tok := &oauth2.Token{AccessToken: "fresh-access"}
		creds := CredentialsFromToken(tok, "old-refresh")
		if creds.RefreshToken != "old-refresh" {
			t.Errorf("expected old-refresh kept, got %q", creds.RefreshToken)
		}
	})

	t.Run("new refresh token wins", func(t *testing.T) {
		tok := &oauth2.Token{AccessToken: "fresh-access", RefreshToken: "new-refresh"}
		creds := CredentialsFromToken(tok, "old-refresh")
		if creds.RefreshToken != "new-refresh" {
			t.Errorf("expected new-refresh, got %q", creds.RefreshToken)
		}
	})
}

func TestCredentialsEncoding(t *testing.T) {
	creds := &Credentials{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().UTC().Truncate(time.Second),
	}
	data, err := EncodeCredentials(creds)
	if err != nil {
		t.Fatalf("EncodeCredentials failed: %v", err)
	}
	decoded, err := DecodeCredentials(data)
	if err != nil {
		t.Fatalf("DecodeCredentials failed: %v", err)
	}
	if decoded.RefreshToken != creds.RefreshToken || !decoded.Expiry.Equal(creds.Expiry) {
		t.Error("round trip lost fields")
	}
}
