package errkind_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/creachadair/sealbox/errkind"
)

func TestIs(t *testing.T) {
	base := errkind.New(errkind.TokenExchangeFailed, `{"error":"invalid_grant"}`)
	wrapped := fmt.Errorf("login: %w", base)

	if !errors.Is(wrapped, errkind.TokenExchangeFailed) {
		t.Errorf("Is(%v, TokenExchangeFailed): got false, want true", wrapped)
	}
	if errors.Is(wrapped, errkind.Timeout) {
		t.Errorf("Is(%v, Timeout): got true, want false", wrapped)
	}
	if got := errkind.Of(wrapped); got != errkind.TokenExchangeFailed {
		t.Errorf("Of(%v): got %v, want %v", wrapped, got, errkind.TokenExchangeFailed)
	}
	const want = `token exchange failed: {"error":"invalid_grant"}`
	if got := base.Error(); got != want {
		t.Errorf("Error: got %q, want %q", got, want)
	}
}

func TestBareKind(t *testing.T) {
	err := fmt.Errorf("unlock: %w", errkind.AccountMismatch)
	if !errors.Is(err, errkind.AccountMismatch) {
		t.Errorf("Is(%v, AccountMismatch): got false, want true", err)
	}
	if got := errkind.Of(err); got != errkind.AccountMismatch {
		t.Errorf("Of(%v): got %v, want AccountMismatch", err, got)
	}
	if got := errkind.Of(errors.New("plain")); got != errkind.Unknown {
		t.Errorf("Of(plain): got %v, want Unknown", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("keychain locked")
	err := errkind.Wrap(errkind.SecureFacilityUnavailable, cause)
	if !errors.Is(err, cause) {
		t.Errorf("Is(%v, cause): got false, want true", err)
	}
	if !errors.Is(err, errkind.SecureFacilityUnavailable) {
		t.Errorf("Is(%v, SecureFacilityUnavailable): got false, want true", err)
	}
}
