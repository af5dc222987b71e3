package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/websoft9/ssh-gateway/backend/internal/authpolicy"
	"github.com/websoft9/ssh-gateway/backend/internal/credentials"
	"github.com/websoft9/ssh-gateway/backend/internal/gwlog"
	"github.com/websoft9/ssh-gateway/backend/internal/limits"
	"github.com/websoft9/ssh-gateway/backend/internal/sessionerr"
	"github.com/websoft9/ssh-gateway/backend/internal/sshconn"
)

// fakeSSHHandle is an in-memory shell substitute so tests can drive the
// controller through a live shell without dialing real SSH.
type fakeSSHHandle struct {
	mu      sync.Mutex
	closed  bool
	unblock chan struct{}
	writes  [][]byte
}

func newFakeSSHHandle() *fakeSSHHandle {
	return &fakeSSHHandle{unblock: make(chan struct{})}
}

func (f *fakeSSHHandle) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

// Read blocks until Close is called, then reports EOF — keeping the
// controller's SSH-reader goroutine parked for the test's duration instead
// of spinning or panicking on a nil stream.
func (f *fakeSSHHandle) Read(p []byte) (int, error) {
	<-f.unblock
	return 0, io.EOF
}

func (f *fakeSSHHandle) Resize(rows, cols int) (limits.Dimensions, error) {
	return limits.Clamp(rows, cols, limits.Dimensions{}), nil
}

func (f *fakeSSHHandle) LiveTerm() limits.Dimensions { return limits.Default() }

func (f *fakeSSHHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.unblock)
	}
	return nil
}

func (f *fakeSSHHandle) writesSnapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// fakeSSHClient is the authenticated-connection half of the fake pair.
type fakeSSHClient struct {
	mu     sync.Mutex
	handle *fakeSSHHandle
	opens  int
	closed bool
}

func newFakeSSHClient() *fakeSSHClient {
	return &fakeSSHClient{handle: newFakeSSHHandle()}
}

func (f *fakeSSHClient) OpenShell(term string, dims limits.Dimensions, env map[string]string) (SSHHandle, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	return f.handle, nil
}

func (f *fakeSSHClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.handle.Close()
}

func (f *fakeSSHClient) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeSSHClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type call struct {
	name string
	args []any
}

type recordingSink struct {
	mu    sync.Mutex
	calls []call
}

func (r *recordingSink) record(name string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{name: name, args: args})
}

func (r *recordingSink) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.name == name {
			return true
		}
	}
	return false
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.name
	}
	return out
}

func (r *recordingSink) SendAuthResult(success bool, message string) error {
	r.record("auth_result", success, message)
	return nil
}
func (r *recordingSink) SendAuthMethodDisabled(method authpolicy.Method) error {
	r.record("auth_method_disabled", method)
	return nil
}
func (r *recordingSink) SendKeyboardInteractive(ps sshconn.PromptSet) error {
	r.record("keyboard_interactive", ps)
	return nil
}
func (r *recordingSink) SendPermissions(p Permissions) error {
	r.record("permissions", p)
	return nil
}
func (r *recordingSink) SendGetTerminal() error {
	r.record("get_terminal")
	return nil
}
func (r *recordingSink) SendUpdateUI(element, value string) error {
	r.record("update_ui", element, value)
	return nil
}
func (r *recordingSink) SendData(p []byte) error {
	r.record("data", append([]byte(nil), p...))
	return nil
}
func (r *recordingSink) SendSSHError(message string) error {
	r.record("ssherror", message)
	return nil
}
func (r *recordingSink) Close() error {
	r.record("close")
	return nil
}

func startController(t *testing.T, connect Connector, cfg Config) (*Controller, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	ctrl := New(cfg, sink, connect, gwlog.Noop{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go ctrl.Run(ctx)
	return ctrl, sink
}

func defaultConfig(opts Options) Config {
	return Config{Allowed: authpolicy.Default(), DefaultTerm: "xterm-256color", Options: opts}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func passwordBundle() credentials.Bundle {
	return credentials.Bundle{Username: "root", Host: "10.0.0.1", Port: 22, Password: "p"}
}

func authenticateWithDims() WireAuthenticate {
	return WireAuthenticate{Bundle: passwordBundle(), Term: "xterm-256color", Rows: 24, Cols: 80}
}

func TestHappyPathPasswordReachesShellReady(t *testing.T) {
	fakeClient := newFakeSSHClient()
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		return fakeClient, authpolicy.Password, nil
	}
	ctrl, sink := startController(t, connect, defaultConfig(Options{}))

	ctrl.Submit("authenticate", authenticateWithDims())
	waitFor(t, "Connected status", func() bool { return sink.has("update_ui") })
	if ctrl.State() != StateShellReady {
		t.Fatalf("expected ShellReady, got %s", ctrl.State())
	}

	want := []string{"auth_result", "permissions", "get_terminal", "update_ui"}
	got := sink.names()
	if len(got) != len(want) {
		t.Fatalf("unexpected emit sequence: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emit %d: expected %s, got %v", i, want[i], got)
		}
	}

	ctrl.FeedSSHData([]byte("hi"))
	waitFor(t, "data relayed to client", func() bool { return sink.has("data") })
}

func TestShellOpenDeferredUntilTerminalGeometry(t *testing.T) {
	fakeClient := newFakeSSHClient()
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		return fakeClient, authpolicy.Password, nil
	}
	ctrl, sink := startController(t, connect, defaultConfig(Options{}))

	// No term/rows/cols on authenticate: shell open must wait for geometry.
	ctrl.Submit("authenticate", WireAuthenticate{Bundle: passwordBundle()})
	waitFor(t, "getTerminal request", func() bool { return sink.has("get_terminal") })

	if ctrl.State() != StateConnecting {
		t.Fatalf("expected Connecting while geometry is unknown, got %s", ctrl.State())
	}
	if fakeClient.openCount() != 0 {
		t.Fatal("shell opened before terminal geometry arrived")
	}

	ctrl.Submit("terminal", WireTerminal{Term: "xterm", Rows: 40, Cols: 120})
	waitFor(t, "ShellReady", func() bool { return ctrl.State() == StateShellReady })
	if fakeClient.openCount() != 1 {
		t.Fatalf("expected exactly one shell open, got %d", fakeClient.openCount())
	}
}

func TestPolicyBlockRejectsDisallowedPassword(t *testing.T) {
	invoked := make(chan struct{}, 1)
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		invoked <- struct{}{}
		return nil, "", nil
	}
	cfg := Config{Allowed: authpolicy.Allowed{authpolicy.PublicKey}}
	ctrl, sink := startController(t, connect, cfg)

	ctrl.Submit("authenticate", WireAuthenticate{Bundle: passwordBundle()})
	waitFor(t, "auth_method_disabled", func() bool { return sink.has("auth_method_disabled") })

	if ctrl.State() != StateAwaitingAuth {
		t.Fatalf("expected AwaitingAuth, got %s", ctrl.State())
	}
	select {
	case <-invoked:
		t.Fatal("connector must not be invoked when policy blocks the method")
	default:
	}
}

func TestAuthExhaustedReturnsToAwaitingAuth(t *testing.T) {
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		return nil, "", sessionerr.New(sessionerr.AuthExhausted, "")
	}
	ctrl, sink := startController(t, connect, defaultConfig(Options{}))

	ctrl.Submit("authenticate", authenticateWithDims())
	waitFor(t, "AwaitingAuth", func() bool { return ctrl.State() == StateAwaitingAuth })

	snap := ctrl.Snapshot()
	if snap.AuthAttempts != 1 {
		t.Fatalf("expected AuthAttempts=1, got %d", snap.AuthAttempts)
	}
	sink.mu.Lock()
	lastCall := sink.calls[len(sink.calls)-1]
	sink.mu.Unlock()
	if lastCall.name != "auth_result" || lastCall.args[0].(bool) {
		t.Fatalf("expected final auth_result success=false, got %+v", lastCall)
	}
}

func TestNetworkFailureGoesDirectlyToClosed(t *testing.T) {
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		return nil, "", sessionerr.Wrap(sessionerr.ConnectFailed, "Connection failed: 10.0.0.1:22", nil)
	}
	ctrl, sink := startController(t, connect, defaultConfig(Options{}))

	ctrl.Submit("authenticate", authenticateWithDims())
	<-ctrl.Done()

	snap := ctrl.Snapshot()
	if snap.AuthAttempts != 0 {
		t.Fatalf("expected AuthAttempts unchanged at 0, got %d", snap.AuthAttempts)
	}
	if !sink.has("ssherror") {
		t.Fatalf("expected ssherror, got %+v", sink.names())
	}
}

func TestKeyboardInteractivePromptRendezvous(t *testing.T) {
	fakeClient := newFakeSSHClient()
	var answers []string
	var answersMu sync.Mutex
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		got, err := cfg.Prompt(ctx, sshconn.PromptSet{
			Name:    "otp",
			Prompts: []sshconn.Prompt{{Text: "OTP:", Echo: true}},
		})
		if err != nil {
			return nil, "", err
		}
		answersMu.Lock()
		answers = got
		answersMu.Unlock()
		return fakeClient, authpolicy.KeyboardInteractive, nil
	}
	ctrl, sink := startController(t, connect, defaultConfig(Options{}))

	ctrl.Submit("authenticate", authenticateWithDims())
	waitFor(t, "forwarded prompt", func() bool { return sink.has("keyboard_interactive") })

	ctrl.Submit("keyboard-interactive-response", []string{"123456"})
	waitFor(t, "ShellReady", func() bool { return ctrl.State() == StateShellReady })

	answersMu.Lock()
	defer answersMu.Unlock()
	if len(answers) != 1 || answers[0] != "123456" {
		t.Fatalf("expected client answer delivered to the connector, got %v", answers)
	}
	if ctrl.Snapshot().AuthMethodInEffect != authpolicy.KeyboardInteractive {
		t.Fatalf("unexpected auth method: %q", ctrl.Snapshot().AuthMethodInEffect)
	}
}

func TestDataDroppedOutsideShellReady(t *testing.T) {
	sink := &recordingSink{}
	ctrl := New(defaultConfig(Options{}), sink, nil, gwlog.Noop{})
	ctrl.setState(StateAwaitingAuth)

	ctrl.handle(context.Background(), command{kind: cmdData, data: []byte("ls\n")})

	if sink.has("data") {
		t.Fatal("data should be dropped silently outside ShellReady")
	}
}

func TestClosingIgnoresFurtherEvents(t *testing.T) {
	sink := &recordingSink{}
	ctrl := New(defaultConfig(Options{}), sink, nil, gwlog.Noop{})
	ctrl.setState(StateClosing)

	ctrl.handle(context.Background(), command{kind: cmdData, data: []byte("x")})
	ctrl.handle(context.Background(), command{kind: cmdResize, data: WireResize{Rows: 10, Cols: 10}})

	if len(sink.calls) != 0 {
		t.Fatalf("expected no side effects while Closing, got %+v", sink.calls)
	}
}

func TestClosingReleasesLateDialResult(t *testing.T) {
	sink := &recordingSink{}
	ctrl := New(defaultConfig(Options{}), sink, nil, gwlog.Noop{})
	ctrl.setState(StateClosing)
	late := newFakeSSHClient()

	ctrl.handle(context.Background(), command{kind: cmdConnectResult, data: connectResult{client: late}})

	if !late.isClosed() {
		t.Fatal("a dial completing after Closing must be closed, not leaked")
	}
}

func TestReplayCredentialsWritesStoredPasswordAfterClientInput(t *testing.T) {
	fakeClient := newFakeSSHClient()
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		return fakeClient, authpolicy.Password, nil
	}
	ctrl, _ := startController(t, connect, defaultConfig(Options{AllowReplay: true}))

	ctrl.Submit("authenticate", authenticateWithDims())
	waitFor(t, "ShellReady", func() bool { return ctrl.State() == StateShellReady })

	ctrl.Submit("data", []byte("ls\n"))
	ctrl.Submit("control", WireControl{Name: "replayCredentials"})
	waitFor(t, "replay write", func() bool { return len(fakeClient.handle.writesSnapshot()) == 2 })

	writes := fakeClient.handle.writesSnapshot()
	if string(writes[0]) != "ls\n" {
		t.Fatalf("expected client input preserved in order, got %q", writes[0])
	}
	if string(writes[1]) != "p\r" {
		t.Fatalf("expected stored password + CR written exactly once, got %q", writes[1])
	}
}

func TestReplayCredentialsDisabledIsNoop(t *testing.T) {
	fakeClient := newFakeSSHClient()
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		return fakeClient, authpolicy.Password, nil
	}
	ctrl, _ := startController(t, connect, defaultConfig(Options{}))

	ctrl.Submit("authenticate", authenticateWithDims())
	waitFor(t, "ShellReady", func() bool { return ctrl.State() == StateShellReady })

	ctrl.Submit("control", WireControl{Name: "replayCredentials"})
	ctrl.Submit("data", []byte("marker")) // fence: once this lands, replay was processed

	waitFor(t, "marker write", func() bool { return len(fakeClient.handle.writesSnapshot()) >= 1 })
	writes := fakeClient.handle.writesSnapshot()
	if len(writes) != 1 || string(writes[0]) != "marker" {
		t.Fatalf("expected replay suppressed, got writes %q", writes)
	}
}

func TestReauthEnabledTransitionsToAwaitingAuth(t *testing.T) {
	fakeClient := newFakeSSHClient()
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		return fakeClient, authpolicy.Password, nil
	}
	ctrl, sink := startController(t, connect, defaultConfig(Options{AllowReauth: true, AllowReplay: true}))

	ctrl.Submit("authenticate", authenticateWithDims())
	waitFor(t, "ShellReady", func() bool { return ctrl.State() == StateShellReady })

	ctrl.Submit("control", WireControl{Name: "reauth"})
	waitFor(t, "AwaitingAuth", func() bool { return ctrl.State() == StateAwaitingAuth })

	if !fakeClient.isClosed() {
		t.Fatal("expected SSH connection torn down on reauth")
	}
	snap := ctrl.Snapshot()
	if snap.Credentials != nil || snap.StoredReplayPassword != "" {
		t.Fatal("expected credentials and replay password cleared on reauth")
	}
	if !sink.has("auth_result") {
		t.Fatal("expected auth_result emitted on reauth")
	}
}

func TestReauthDisabledIsNoop(t *testing.T) {
	fakeClient := newFakeSSHClient()
	connect := func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error) {
		return fakeClient, authpolicy.Password, nil
	}
	ctrl, _ := startController(t, connect, defaultConfig(Options{}))

	ctrl.Submit("authenticate", authenticateWithDims())
	waitFor(t, "ShellReady", func() bool { return ctrl.State() == StateShellReady })

	ctrl.Submit("control", WireControl{Name: "reauth"})
	ctrl.Submit("data", []byte("fence"))
	waitFor(t, "fence write", func() bool { return len(fakeClient.handle.writesSnapshot()) >= 1 })

	if ctrl.State() != StateShellReady {
		t.Fatalf("expected state unchanged, got %s", ctrl.State())
	}
	if fakeClient.isClosed() {
		t.Fatal("reauth should be a no-op when disabled")
	}
}

func TestDisconnectClosesSession(t *testing.T) {
	ctrl, sink := startController(t, nil, defaultConfig(Options{}))
	ctrl.Submit("disconnect", nil)

	select {
	case <-ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to close")
	}
	if ctrl.State() != StateClosed {
		t.Fatalf("expected Closed, got %s", ctrl.State())
	}
	if !sink.has("close") {
		t.Fatalf("expected sink Close() on shutdown, got %+v", sink.names())
	}
}

func TestRepeatedDisconnectIsNoop(t *testing.T) {
	ctrl, sink := startController(t, nil, defaultConfig(Options{}))
	ctrl.Submit("disconnect", nil)
	<-ctrl.Done()
	ctrl.Submit("disconnect", nil) // after done: dropped on the floor

	closes := 0
	sink.mu.Lock()
	for _, c := range sink.calls {
		if c.name == "close" {
			closes++
		}
	}
	sink.mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected exactly one sink close, got %d", closes)
	}
}
