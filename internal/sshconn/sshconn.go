// Package sshconn is the SSH connector. It owns one SSH client connection
// per session: the key-first → password → keyboard-interactive
// authentication strategy with policy gating and prompt forwarding, PTY
// allocation, the full-duplex byte relay, window resize, and teardown.
//
// Connect authenticates and returns a Client; the shell channel is opened
// separately via Client.OpenShell once the session knows its terminal
// geometry, matching the Authenticating → Connecting → ShellReady split in
// the session state machine.
package sshconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/websoft9/ssh-gateway/backend/internal/authpolicy"
	"github.com/websoft9/ssh-gateway/backend/internal/credentials"
	"github.com/websoft9/ssh-gateway/backend/internal/limits"
	"github.com/websoft9/ssh-gateway/backend/internal/sessionerr"
)

// Prompt is one keyboard-interactive question the SSH server asked.
type Prompt struct {
	Text string
	Echo bool
}

// PromptSet is one keyboard-interactive prompt round, forwarded whole.
type PromptSet struct {
	Name         string
	Instructions string
	Prompts      []Prompt
}

// PromptFunc is the one-shot rendezvous the session provides to answer a
// forwarded keyboard-interactive prompt set. It is called at most once per
// prompt round and must return exactly len(ps.Prompts) answers.
type PromptFunc func(ctx context.Context, ps PromptSet) ([]string, error)

// Config carries everything needed to dial and authenticate one SSH
// connection. Shell-time parameters (terminal name, dimensions, env) are
// passed to Client.OpenShell instead, since the session resolves them
// after authentication.
type Config struct {
	Host string
	Port int

	Bundle  credentials.Bundle
	Allowed authpolicy.Allowed

	Ciphers                              []string
	ReadyTimeout                         time.Duration
	KeepaliveInterval                    time.Duration
	KeepaliveCountMax                    int
	AlwaysSendKeyboardInteractivePrompts bool
	MaxAuthAttempts                      int

	HostKeyCallback cryptossh.HostKeyCallback

	Prompt PromptFunc
}

func (c Config) readyTimeout() time.Duration {
	if c.ReadyTimeout > 0 {
		return c.ReadyTimeout
	}
	return 20 * time.Second
}

func (c Config) maxAuthAttempts() int {
	if c.MaxAuthAttempts > 0 {
		return c.MaxAuthAttempts
	}
	return 2
}

func (c Config) keepaliveInterval() time.Duration {
	if c.KeepaliveInterval > 0 {
		return c.KeepaliveInterval
	}
	return 120 * time.Second
}

func (c Config) keepaliveCountMax() int {
	if c.KeepaliveCountMax > 0 {
		return c.KeepaliveCountMax
	}
	return 10
}

// ErrorClass partitions connection failures before any retry decision.
type ErrorClass string

const (
	ErrNetwork ErrorClass = "network"
	ErrAuth    ErrorClass = "auth"
	ErrOther   ErrorClass = "other"
)

var networkSubstrings = []string{
	"ENOTFOUND", "ECONNREFUSED", "ETIMEDOUT", "EHOSTUNREACH", "ENETUNREACH", "getaddrinfo",
}

// Classify buckets err by message substrings and error type: well-known
// network errno strings first, then authentication wording, else other.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrOther
	}
	msg := err.Error()
	for _, s := range networkSubstrings {
		if strings.Contains(msg, s) {
			return ErrNetwork
		}
	}
	if _, ok := err.(*net.OpError); ok && !strings.Contains(strings.ToLower(msg), "authentication") {
		return ErrNetwork
	}
	if strings.Contains(strings.ToLower(msg), "unable to authenticate") ||
		strings.Contains(strings.ToLower(msg), "auth") {
		return ErrAuth
	}
	return ErrOther
}

// synthesizeMessage substitutes an empty error message with one naming the
// target host and port.
func synthesizeMessage(err error, host string, port int) string {
	if err != nil && err.Error() != "" {
		return err.Error()
	}
	return fmt.Sprintf("connection to %s:%d failed", host, port)
}

// Connect implements the full auth strategy: key-first if present and
// allowed, degrading to password, with keyboard-interactive always
// enabled at the transport level. It returns an
// authenticated Client and the method that succeeded, or a classified
// *sessionerr.Error (KeyShapeInvalid, PassphraseRequired, AuthMethodDisabled,
// InvalidCredentials, AuthExhausted, ConnectFailed, or ShellOpenFailed).
func Connect(ctx context.Context, cfg Config) (*Client, authpolicy.Method, error) {
	bundle := cfg.Bundle

	if bundle.PrivateKey != "" {
		if !credentials.ValidatePrivateKeyShape(bundle.PrivateKey) {
			return nil, "", sessionerr.New(sessionerr.KeyShapeInvalid, "")
		}
		if credentials.IsEncrypted(bundle.PrivateKey) && bundle.Passphrase == "" {
			return nil, "", sessionerr.New(sessionerr.PassphraseRequired, "")
		}
	}

	useKey := bundle.PrivateKey != ""
	attempts := 0

	for {
		methods, method, err := buildAuthMethods(ctx, cfg, bundle, useKey)
		if err != nil {
			return nil, "", err
		}

		client, dialErr := dial(ctx, cfg, methods)
		if dialErr == nil {
			c := &Client{client: client, stop: make(chan struct{})}
			go c.keepalive(cfg.keepaliveInterval(), cfg.keepaliveCountMax())
			return c, method, nil
		}

		switch Classify(dialErr) {
		case ErrNetwork:
			return nil, "", sessionerr.Wrap(sessionerr.ConnectFailed,
				fmt.Sprintf("Connection failed: %s:%d", cfg.Host, cfg.Port),
				fmt.Errorf("%s", synthesizeMessage(dialErr, cfg.Host, cfg.Port)))
		case ErrAuth:
			attempts++
			if useKey {
				// Degrade: drop the key, retry with password/keyboard-interactive.
				useKey = false
				if attempts < cfg.maxAuthAttempts() {
					continue
				}
			}
			if attempts >= cfg.maxAuthAttempts() {
				return nil, "", sessionerr.New(sessionerr.AuthExhausted, "")
			}
			continue
		default:
			return nil, "", sessionerr.Wrap(sessionerr.ShellOpenFailed, "Shell error", dialErr)
		}
	}
}

// buildAuthMethods returns the ordered auth methods to offer this dial
// attempt, gated by policy, plus the method name to report on success.
func buildAuthMethods(ctx context.Context, cfg Config, bundle credentials.Bundle, useKey bool) ([]cryptossh.AuthMethod, authpolicy.Method, error) {
	var methods []cryptossh.AuthMethod
	reportMethod := authpolicy.Method("")

	if useKey && bundle.PrivateKey != "" {
		decision := authpolicy.Evaluate(cfg.Allowed, authpolicy.Context{HasPrivateKey: true})
		if !decision.OK {
			return nil, "", sessionerr.New(sessionerr.AuthMethodDisabled, string(decision.Method))
		}
		var signer cryptossh.Signer
		var err error
		if bundle.Passphrase != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase([]byte(bundle.PrivateKey), []byte(bundle.Passphrase))
		} else {
			signer, err = cryptossh.ParsePrivateKey([]byte(bundle.PrivateKey))
		}
		if err != nil {
			return nil, "", sessionerr.Wrap(sessionerr.KeyShapeInvalid, "", err)
		}
		methods = append(methods, cryptossh.PublicKeys(signer))
		reportMethod = authpolicy.PublicKey
	}

	if bundle.Password != "" {
		decision := authpolicy.Evaluate(cfg.Allowed, authpolicy.Context{HasPassword: true})
		if decision.OK {
			methods = append(methods, cryptossh.Password(bundle.Password))
			if reportMethod == "" {
				reportMethod = authpolicy.Password
			}
		}
	}

	// Keyboard-interactive is always enabled at the transport level, but
	// only auto-answered or forwarded inside the challenge callback.
	methods = append(methods, cryptossh.KeyboardInteractive(
		keyboardInteractiveChallenge(ctx, cfg, bundle),
	))
	if reportMethod == "" {
		reportMethod = authpolicy.KeyboardInteractive
	}

	if len(methods) == 0 {
		return nil, "", sessionerr.New(sessionerr.InvalidCredentials, "")
	}
	return methods, reportMethod, nil
}

// keyboardInteractiveChallenge forwards the whole prompt set to the
// client, unless AlwaysSendKeyboardInteractivePrompts is false and the
// single prompt mentions "password" while the bundle carries one, in which
// case it answers locally.
func keyboardInteractiveChallenge(ctx context.Context, cfg Config, bundle credentials.Bundle) cryptossh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if !cfg.AlwaysSendKeyboardInteractivePrompts && bundle.Password != "" && len(questions) == 1 &&
			strings.Contains(strings.ToLower(questions[0]), "password") {
			return []string{bundle.Password}, nil
		}

		if cfg.Prompt == nil {
			// No client attached to forward to; best effort with the stored
			// password for any password-shaped prompt, empty otherwise.
			answers := make([]string, len(questions))
			for i, q := range questions {
				if bundle.Password != "" && strings.Contains(strings.ToLower(q), "password") {
					answers[i] = bundle.Password
				}
			}
			return answers, nil
		}

		prompts := make([]Prompt, len(questions))
		for i, q := range questions {
			echo := false
			if i < len(echos) {
				echo = echos[i]
			}
			prompts[i] = Prompt{Text: q, Echo: echo}
		}
		answers, err := cfg.Prompt(ctx, PromptSet{Name: name, Instructions: instruction, Prompts: prompts})
		if err != nil {
			return nil, err
		}
		if len(answers) != len(questions) {
			return nil, fmt.Errorf("sshconn: keyboard-interactive response count mismatch: got %d want %d", len(answers), len(questions))
		}
		return answers, nil
	}
}

func dial(ctx context.Context, cfg Config, methods []cryptossh.AuthMethod) (*cryptossh.Client, error) {
	clientCfg := &cryptossh.ClientConfig{
		User:            cfg.Bundle.Username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallbackOrInsecure(cfg.HostKeyCallback),
		Timeout:         cfg.readyTimeout(),
	}
	if len(cfg.Ciphers) > 0 {
		clientCfg.Config.Ciphers = cfg.Ciphers
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := cryptossh.Dial("tcp", addr, clientCfg)
		ch <- dialResult{c, err}
	}()

	timeout := time.NewTimer(cfg.readyTimeout())
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, fmt.Errorf("ETIMEDOUT: connect to %s", addr)
	case r := <-ch:
		return r.client, r.err
	}
}

func hostKeyCallbackOrInsecure(cb cryptossh.HostKeyCallback) cryptossh.HostKeyCallback {
	if cb != nil {
		return cb
	}
	return cryptossh.InsecureIgnoreHostKey() //nolint:gosec // dev-default; see hostkey.go for the real resolver
}

// Client wraps one authenticated SSH connection. Exclusively owned by the
// session controller that created it.
type Client struct {
	client *cryptossh.Client
	stop   chan struct{}

	mu     sync.Mutex
	closed bool
}

// keepalive sends an SSH keepalive request every interval and tears the
// connection down after countMax consecutive unanswered rounds.
func (c *Client) keepalive(interval time.Duration, countMax int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	misses := 0
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				misses++
				if misses >= countMax {
					_ = c.Close()
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// OpenShell allocates a PTY and starts a shell channel, returning the
// full-duplex byte stream. env is the already-validated env bundle; TERM
// is set from term unless env carries its own TERM entry, which wins.
func (c *Client) OpenShell(term string, dims limits.Dimensions, env map[string]string) (*Session, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshconn: new session: %w", err)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}

	if limits.SanitizeTerm(term) == "" {
		term = "xterm-256color"
	}
	dims = limits.Clamp(int(dims.Rows), int(dims.Cols), limits.Dimensions{})

	if err := sess.RequestPty(term, int(dims.Rows), int(dims.Cols), modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshconn: request pty: %w", err)
	}

	full := map[string]string{"TERM": term}
	for k, v := range env {
		full[k] = v
	}
	for k, v := range full {
		_ = sess.Setenv(k, v) // best-effort; many servers restrict AcceptEnv
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshconn: stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshconn: stdout pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshconn: start shell: %w", err)
	}

	return &Session{
		session:  sess,
		stdin:    stdin,
		stdout:   stdout,
		liveTerm: dims,
	}, nil
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stop)
	return c.client.Close()
}

// Session is one open shell channel with a PTY, created by OpenShell.
type Session struct {
	session *cryptossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	mu       sync.Mutex
	closed   bool
	liveTerm limits.Dimensions
}

// Write sends bytes to the remote stdin.
func (s *Session) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Read receives bytes from the remote stdout.
func (s *Session) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Resize clamps the requested dimensions and pushes a window-change
// request, updating LiveTerm. A no-op resize (same dims as last) still
// issues exactly one SSH window-change call.
func (s *Session) Resize(rows, cols int) (limits.Dimensions, error) {
	s.mu.Lock()
	dims := limits.Clamp(rows, cols, s.liveTerm)
	s.liveTerm = dims
	s.mu.Unlock()
	return dims, s.session.WindowChange(int(dims.Rows), int(dims.Cols))
}

// LiveTerm returns the current negotiated dimensions.
func (s *Session) LiveTerm() limits.Dimensions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveTerm
}

// Close shuts the shell channel down. Idempotent; the underlying
// connection is closed separately via Client.Close.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	return s.session.Close()
}
