package sessionerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/websoft9/ssh-gateway/backend/internal/sessionerr"
)

func TestUserMessageDefaultsPerCode(t *testing.T) {
	cases := []struct {
		code sessionerr.Code
		want string
	}{
		{sessionerr.InvalidCredentials, "Invalid credentials"},
		{sessionerr.AuthMethodDisabled, "Authentication method disabled"},
		{sessionerr.AuthExhausted, "All authentication methods failed"},
		{sessionerr.KeyShapeInvalid, "Invalid private key format"},
		{sessionerr.PassphraseRequired, "Encrypted private key requires a passphrase"},
		{sessionerr.ShellOpenFailed, "Shell error"},
		{sessionerr.Internal, "Unexpected failure"},
	}
	for _, tc := range cases {
		if got := sessionerr.New(tc.code, "").UserMessage(); got != tc.want {
			t.Errorf("UserMessage(%s) = %q, want %q", tc.code, got, tc.want)
		}
	}
}

func TestUserMessageExplicitOverridesDefault(t *testing.T) {
	e := sessionerr.New(sessionerr.ConnectFailed, "Connection failed: h:22")
	if got := e.UserMessage(); got != "Connection failed: h:22" {
		t.Fatalf("unexpected message: %q", got)
	}
}

func TestProtocolErrorNeverSurfacedVerbatim(t *testing.T) {
	e := sessionerr.New(sessionerr.ProtocolError, "")
	if got := e.UserMessage(); got != "Unexpected failure" {
		t.Fatalf("ProtocolError leaked: %q", got)
	}
}

func TestWrapPreservesCauseForLogging(t *testing.T) {
	cause := errors.New("dial tcp: ECONNREFUSED")
	e := sessionerr.Wrap(sessionerr.ConnectFailed, "Connection failed: h:22", cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected wrapped cause to unwrap")
	}
	if e.UserMessage() != "Connection failed: h:22" {
		t.Fatalf("cause must not replace the user message, got %q", e.UserMessage())
	}
	if want := fmt.Sprintf("%s: %v", sessionerr.ConnectFailed, cause); e.Error() != want {
		t.Fatalf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestIsMatchesCodeOnly(t *testing.T) {
	e := sessionerr.New(sessionerr.AuthExhausted, "")
	if !sessionerr.Is(e, sessionerr.AuthExhausted) {
		t.Fatal("expected code match")
	}
	if sessionerr.Is(e, sessionerr.ConnectFailed) {
		t.Fatal("unexpected cross-code match")
	}
	if sessionerr.Is(errors.New("plain"), sessionerr.AuthExhausted) {
		t.Fatal("plain errors must not match any code")
	}
}
