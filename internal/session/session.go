// Package session implements the per-socket session state machine, the
// core of the gateway. A Controller sequences the auth pipeline, the SSH
// connector, and the client event stream through the Init → AwaitingAuth →
// Authenticating → Connecting → ShellReady → Closing → Closed transition
// table, serializing every mutation through a single command queue so the
// state machine never observes interleaved events: one actor goroutine
// reads from a merged inbound channel fed by three producers (the gateway
// reader, the SSH reader, and the dial goroutine).
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/websoft9/ssh-gateway/backend/internal/authpolicy"
	"github.com/websoft9/ssh-gateway/backend/internal/credentials"
	"github.com/websoft9/ssh-gateway/backend/internal/gwlog"
	"github.com/websoft9/ssh-gateway/backend/internal/limits"
	"github.com/websoft9/ssh-gateway/backend/internal/sessionerr"
	"github.com/websoft9/ssh-gateway/backend/internal/sshconn"
)

// State is one node of the session transition table.
type State string

const (
	StateInit           State = "init"
	StateAwaitingAuth   State = "awaiting_auth"
	StateAuthenticating State = "authenticating"
	StateConnecting     State = "connecting"
	StateShellReady     State = "shell_ready"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// Record is the per-socket session record. The controller is its
// exclusive owner; nothing outside this package holds a live reference.
type Record struct {
	ID                           string
	State                        State
	Credentials                  *credentials.Bundle
	AuthMethodInEffect           authpolicy.Method
	RequestedKeyboardInteractive bool
	StoredReplayPassword         string
	TargetHost                   string
	TargetPort                   int
	Username                     string
	Env                          map[string]string
	InitialTerm                  TermSpec
	LiveTerm                     limits.Dimensions
	AuthAttempts                 int
	ConnectionID                 string
	CreatedAt                    time.Time
	LastActivityAt               time.Time
}

// TermSpec is the pre-shell terminal request.
type TermSpec struct {
	Term string
	Dims limits.Dimensions
	Know bool // whether the client has sent terminal geometry yet
}

// Options toggles the per-deployment session behaviors.
type Options struct {
	AllowReplay    bool
	AllowReauth    bool
	AllowReconnect bool
	AutoLog        bool
}

// Permissions is the wire payload sent to the client after authentication.
type Permissions struct {
	AutoLog        bool
	AllowReplay    bool
	AllowReconnect bool
	AllowReauth    bool
}

// ClientSink is the outbound (server→client) half of the client event
// gateway contract. The controller never imports gorilla/websocket
// directly; it only depends on this interface.
type ClientSink interface {
	SendAuthResult(success bool, message string) error
	SendAuthMethodDisabled(method authpolicy.Method) error
	SendKeyboardInteractive(ps sshconn.PromptSet) error
	SendPermissions(p Permissions) error
	SendGetTerminal() error
	SendUpdateUI(element, value string) error
	SendData(p []byte) error
	SendSSHError(message string) error
	Close() error
}

// SSHClient is the authenticated-connection half of the SSH connector
// contract: a shell factory plus teardown. An interface so the connector
// boundary stays substitutable in tests instead of requiring a real dial.
type SSHClient interface {
	OpenShell(term string, dims limits.Dimensions, env map[string]string) (SSHHandle, error)
	Close() error
}

// SSHHandle is the open shell channel the controller relays bytes through.
type SSHHandle interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Resize(rows, cols int) (limits.Dimensions, error)
	LiveTerm() limits.Dimensions
	Close() error
}

// Connector dials and authenticates one SSH connection. It may block for
// the full ready-timeout and is therefore always invoked off the actor
// goroutine; results come back through the command queue.
type Connector func(ctx context.Context, cfg sshconn.Config) (SSHClient, authpolicy.Method, error)

// Config bundles the process-wide settings the controller itself gates
// on. Connector-level settings (ciphers, timeouts, host-key verification)
// live in the Connector closure the caller builds, since those belong to
// the SSH Connector's concerns, not the state machine's.
type Config struct {
	Allowed     authpolicy.Allowed
	DefaultTerm string
	Options     Options
}

// Controller drives one session's state machine. All mutation of Record
// happens inside Run(), which consumes a single command channel.
type Controller struct {
	cfg     Config
	sink    ClientSink
	connect Connector
	log     gwlog.Logger

	record Record
	state  atomic.Value // State copy for observability reads off the actor

	cmds      chan command
	sshClient SSHClient
	ssh       SSHHandle
	promptCh  chan promptRequest

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Controller for a freshly connected socket. The caller
// still must call Run to begin the actor loop.
func New(cfg Config, sink ClientSink, connect Connector, log gwlog.Logger) *Controller {
	now := time.Now()
	c := &Controller{
		cfg:     cfg,
		sink:    sink,
		connect: connect,
		log:     log,
		record: Record{
			ID:             uuid.NewString(),
			State:          StateInit,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		cmds:     make(chan command, 32),
		promptCh: make(chan promptRequest, 1),
		done:     make(chan struct{}),
	}
	c.state.Store(StateInit)
	return c
}

// ID returns the session's opaque identifier.
func (c *Controller) ID() string { return c.record.ID }

// State returns the current state. Safe to call from any goroutine; meant
// for observability (health checks, tests), not for control decisions.
func (c *Controller) State() State {
	return c.state.Load().(State)
}

// setState is the single write path for the state field; actor-only.
func (c *Controller) setState(s State) {
	c.record.State = s
	c.state.Store(s)
}

// Done is closed once the controller reaches StateClosed.
func (c *Controller) Done() <-chan struct{} { return c.done }

// ─── Commands ───────────────────────────────────────────────

type command struct {
	kind commandKind
	data any
}

type commandKind int

const (
	cmdAuthenticate commandKind = iota
	cmdTerminal
	cmdResize
	cmdData
	cmdControl
	cmdDisconnect
	cmdKeyboardInteractiveResponse
	cmdSSHData
	cmdSSHClosed
	cmdConnectResult
	cmdAuthPipelineReady // initial bundle resolved before socket loop starts
)

type promptRequest struct {
	ps    sshconn.PromptSet
	reply chan promptReply
}

type promptReply struct {
	answers []string
	err     error
}

type connectResult struct {
	client SSHClient
	method authpolicy.Method
	err    error
}

// Submit enqueues a client-originated wire event. Called by the gateway
// reader goroutine; safe for concurrent use.
func (c *Controller) Submit(kind string, data any) {
	k, ok := map[string]commandKind{
		"authenticate":                  cmdAuthenticate,
		"terminal":                      cmdTerminal,
		"resize":                        cmdResize,
		"data":                          cmdData,
		"control":                       cmdControl,
		"disconnect":                    cmdDisconnect,
		"keyboard-interactive-response": cmdKeyboardInteractiveResponse,
	}[kind]
	if !ok {
		return
	}
	select {
	case c.cmds <- command{kind: k, data: data}:
	case <-c.done:
	}
}

// SubmitInitialBundle feeds the bundle the auth pipeline resolved from
// HTTP-scoped sources before the socket loop starts. env is the
// request's already-parsed env bundle; the caller validates shape with
// limits.ValidateEnvBundle before calling this.
func (c *Controller) SubmitInitialBundle(bundle *credentials.Bundle, host string, port int, username string, env map[string]string) {
	select {
	case c.cmds <- command{kind: cmdAuthPipelineReady, data: initialBundle{bundle, host, port, username, env}}:
	case <-c.done:
	}
}

type initialBundle struct {
	bundle   *credentials.Bundle
	host     string
	port     int
	username string
	env      map[string]string
}

// FeedSSHData is called by the SSH-reader goroutine with bytes read from
// the live shell stream.
func (c *Controller) FeedSSHData(p []byte) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case c.cmds <- command{kind: cmdSSHData, data: cp}:
	case <-c.done:
	}
}

// FeedSSHClosed is called once the SSH reader observes EOF or a fatal
// error on the live shell stream.
func (c *Controller) FeedSSHClosed(err error) {
	select {
	case c.cmds <- command{kind: cmdSSHClosed, data: err}:
	case <-c.done:
	}
}

// ─── Actor loop ─────────────────────────────────────────────

// Run executes the actor loop until the session reaches Closed. A single
// recover() guard converts an unexpected panic into Internal and closes
// the session.
func (c *Controller) Run(ctx context.Context) {
	defer c.finish()
	defer func() {
		if r := recover(); r != nil {
			c.log.Event(gwlog.LevelError, "panic", "session actor panicked", gwlog.F("recover", fmt.Sprintf("%v", r)))
			_ = c.sink.SendSSHError(sessionerr.New(sessionerr.Internal, "").UserMessage())
			c.transitionToClosing("internal error")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.transitionToClosing("context canceled")
			c.setState(StateClosed)
			return
		case cmd := <-c.cmds:
			c.handle(ctx, cmd)
			if c.record.State == StateClosed {
				return
			}
		}
	}
}

func (c *Controller) finish() {
	c.closeOnce.Do(func() {
		if c.ssh != nil {
			_ = c.ssh.Close()
		}
		if c.sshClient != nil {
			_ = c.sshClient.Close()
		}
		_ = c.sink.Close()
		close(c.done)
	})
}

func (c *Controller) handle(ctx context.Context, cmd command) {
	c.record.LastActivityAt = time.Now()

	if c.record.State == StateClosing {
		// On Closing, further inbound events are ignored. A dial that raced
		// the teardown still hands over a live connection; release it instead
		// of leaking.
		switch cmd.kind {
		case cmdConnectResult:
			if r, ok := cmd.data.(connectResult); ok && r.client != nil {
				_ = r.client.Close()
			}
		case cmdSSHClosed:
			c.setState(StateClosed)
		}
		return
	}

	switch cmd.kind {
	case cmdAuthPipelineReady:
		c.onAuthPipelineReady(ctx, cmd.data.(initialBundle))
	case cmdAuthenticate:
		c.onAuthenticate(ctx, cmd.data)
	case cmdTerminal:
		c.onTerminal(cmd.data)
	case cmdResize:
		c.onResize(cmd.data)
	case cmdData:
		c.onClientData(cmd.data)
	case cmdControl:
		c.onControl(cmd.data)
	case cmdDisconnect:
		c.transitionToClosing("client disconnect")
		c.setState(StateClosed)
	case cmdKeyboardInteractiveResponse:
		// Consumed by whichever dial goroutine is blocked in requestPrompt; if
		// no one is waiting this is a stray/duplicate reply and is dropped.
		c.deliverPromptReply(cmd.data)
	case cmdConnectResult:
		c.onConnectResult(cmd.data)
	case cmdSSHData:
		c.onSSHData(cmd.data)
	case cmdSSHClosed:
		c.onSSHClosed(cmd.data)
	}
}

// ─── Init / AwaitingAuth / Authenticating ──────────────────

func (c *Controller) onAuthPipelineReady(ctx context.Context, ib initialBundle) {
	c.record.TargetHost = ib.host
	c.record.TargetPort = ib.port
	c.record.Username = ib.username
	c.record.Env = ib.env

	if ib.bundle == nil {
		c.setState(StateAwaitingAuth)
		_ = c.sink.SendAuthResult(false, "")
		return
	}
	c.record.Credentials = ib.bundle
	c.setState(StateAuthenticating)
	c.connectSSH(ctx)
}

// WireAuthenticate is the data payload Submit expects for the "authenticate"
// command kind. Built by the
// gateway package from the decoded JSON envelope.
type WireAuthenticate struct {
	Bundle credentials.Bundle
	Term   string
	Rows   int
	Cols   int
}

func (c *Controller) onAuthenticate(ctx context.Context, data any) {
	if c.record.State != StateInit && c.record.State != StateAwaitingAuth {
		return
	}
	wa, ok := data.(WireAuthenticate)
	if !ok {
		return
	}
	if credentials.Validate(wa.Bundle) != credentials.ReasonOK {
		_ = c.sink.SendAuthResult(false, sessionerr.New(sessionerr.InvalidCredentials, "").UserMessage())
		return
	}
	b := wa.Bundle
	c.record.Credentials = &b
	c.record.TargetHost = b.Host
	c.record.TargetPort = b.Port
	c.record.Username = b.Username
	if wa.Term != "" || wa.Rows > 0 || wa.Cols > 0 {
		c.record.InitialTerm = TermSpec{
			Term: firstNonEmpty(limits.SanitizeTerm(wa.Term), c.cfg.DefaultTerm),
			Dims: limits.Clamp(wa.Rows, wa.Cols, c.record.InitialTerm.Dims),
			Know: wa.Rows > 0 && wa.Cols > 0,
		}
	}

	decision := authpolicy.Evaluate(c.cfg.Allowed, authCtxFromBundle(b, false))
	if !decision.OK {
		_ = c.sink.SendAuthMethodDisabled(decision.Method)
		_ = c.sink.SendAuthResult(false, sessionerr.New(sessionerr.AuthMethodDisabled, "").UserMessage())
		c.setState(StateAwaitingAuth)
		return
	}

	c.setState(StateAuthenticating)
	c.connectSSH(ctx)
}

func authCtxFromBundle(b credentials.Bundle, requestedKbdInt bool) authpolicy.Context {
	return authpolicy.Context{
		RequestedKeyboardInteractive: requestedKbdInt,
		HasPrivateKey:                b.PrivateKey != "",
		HasPassword:                  b.Password != "",
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// connectSSH starts the SSH connector off the actor goroutine; the
// connector itself owns the multi-attempt auth strategy bounded by its
// max-attempts budget and returns exactly one of: ready, AuthExhausted,
// ConnectFailed, or another fatal error. Running the dial
// off-actor keeps the command queue draining, so a forwarded
// keyboard-interactive reply can still reach deliverPromptReply while the
// dial is blocked waiting for it.
func (c *Controller) connectSSH(ctx context.Context) {
	cfg := sshconn.Config{
		Host:    c.record.TargetHost,
		Port:    c.record.TargetPort,
		Bundle:  *c.record.Credentials,
		Allowed: c.cfg.Allowed,
		Prompt:  c.requestPrompt,
	}

	go func() {
		client, method, err := c.connect(ctx, cfg)
		select {
		case c.cmds <- command{kind: cmdConnectResult, data: connectResult{client, method, err}}:
		case <-c.done:
			if client != nil {
				_ = client.Close()
			}
		}
	}()
}

func (c *Controller) onConnectResult(data any) {
	r, ok := data.(connectResult)
	if !ok {
		return
	}
	if c.record.State != StateAuthenticating {
		// The session moved on (disconnect, reauth) while the dial was in
		// flight; the connection, if any, has no owner anymore.
		if r.client != nil {
			_ = r.client.Close()
		}
		return
	}
	if r.err != nil {
		c.onConnectFailure(r.err)
		return
	}

	c.sshClient = r.client
	c.record.AuthMethodInEffect = r.method
	if c.cfg.Options.AllowReplay && c.record.Credentials != nil {
		c.record.StoredReplayPassword = c.record.Credentials.Password
	}
	c.setState(StateConnecting)
	_ = c.sink.SendAuthResult(true, "")
	_ = c.sink.SendPermissions(Permissions{
		AutoLog:        c.cfg.Options.AutoLog,
		AllowReplay:    c.cfg.Options.AllowReplay,
		AllowReconnect: c.cfg.Options.AllowReconnect,
		AllowReauth:    c.cfg.Options.AllowReauth,
	})
	_ = c.sink.SendGetTerminal()

	// ShellReady entry predicate: dimensions known. Otherwise
	// stay in Connecting until the client answers getTerminal.
	if c.record.InitialTerm.Know {
		c.openShell()
	}
}

// requestPrompt is the sshconn.PromptFunc: it forwards the prompt set to
// the client and blocks on a one-shot rendezvous until the client's single
// reply arrives, the context is canceled, or the session is torn down.
// Runs on the dial goroutine, never the actor.
func (c *Controller) requestPrompt(ctx context.Context, ps sshconn.PromptSet) ([]string, error) {
	decision := authpolicy.Evaluate(c.cfg.Allowed, authpolicy.Context{RequestedKeyboardInteractive: true})
	if !decision.OK {
		return nil, sessionerr.New(sessionerr.AuthMethodDisabled, string(decision.Method))
	}
	if err := c.sink.SendKeyboardInteractive(ps); err != nil {
		return nil, err
	}

	req := promptRequest{ps: ps, reply: make(chan promptReply, 1)}
	select {
	case c.promptCh <- req:
	case <-c.done:
		return nil, sessionerr.New(sessionerr.ProtocolError, "")
	}

	select {
	case r := <-req.reply:
		return r.answers, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, sessionerr.New(sessionerr.ProtocolError, "")
	}
}

// deliverPromptReply hands a client's keyboard-interactive response to
// whichever dial goroutine is blocked in requestPrompt, if any. Consumed
// exactly once.
func (c *Controller) deliverPromptReply(data any) {
	answers, _ := data.([]string)
	select {
	case req := <-c.promptCh:
		c.record.RequestedKeyboardInteractive = true
		req.reply <- promptReply{answers: answers}
	default:
		// No pending prompt — stray reply, drop it.
	}
}

func (c *Controller) onConnectFailure(err error) {
	var se *sessionerr.Error
	if e, ok := err.(*sessionerr.Error); ok {
		se = e
	}
	if se == nil {
		c.transitionToClosing("ssh error")
		_ = c.sink.SendSSHError(sessionerr.New(sessionerr.ShellOpenFailed, "").UserMessage())
		c.setState(StateClosed)
		return
	}
	switch se.Code {
	case sessionerr.AuthExhausted, sessionerr.InvalidCredentials, sessionerr.PassphraseRequired:
		c.record.AuthAttempts++
		_ = c.sink.SendAuthResult(false, se.UserMessage())
		c.setState(StateAwaitingAuth)
	case sessionerr.AuthMethodDisabled:
		_ = c.sink.SendAuthMethodDisabled(authpolicy.Method(se.Message))
		_ = c.sink.SendAuthResult(false, sessionerr.New(sessionerr.AuthMethodDisabled, "").UserMessage())
		c.setState(StateAwaitingAuth)
	case sessionerr.ConnectFailed:
		_ = c.sink.SendSSHError(se.UserMessage())
		c.transitionToClosing("connect failed")
		c.setState(StateClosed)
	case sessionerr.KeyShapeInvalid:
		_ = c.sink.SendAuthResult(false, se.UserMessage())
		c.setState(StateAwaitingAuth)
	default:
		_ = c.sink.SendSSHError(se.UserMessage())
		c.transitionToClosing("fatal ssh error")
		c.setState(StateClosed)
	}
}

// ─── Connecting → ShellReady ────────────────────────────────

// openShell allocates the PTY + shell channel on the authenticated
// connection. Connecting-state only; the dims-known predicate has already
// been satisfied by the caller.
func (c *Controller) openShell() {
	term := firstNonEmpty(c.record.InitialTerm.Term, c.cfg.DefaultTerm)
	handle, err := c.sshClient.OpenShell(term, c.record.InitialTerm.Dims, c.record.Env)
	if err != nil {
		_ = c.sink.SendSSHError(sessionerr.New(sessionerr.ShellOpenFailed, "").UserMessage())
		c.transitionToClosing("shell open failed")
		c.setState(StateClosed)
		return
	}
	c.ssh = handle
	c.record.LiveTerm = handle.LiveTerm()
	c.setState(StateShellReady)
	_ = c.sink.SendUpdateUI("status", "Connected")
	c.startSSHReader(handle)
}

// startSSHReader pumps the live shell's stdout into the command queue as
// cmdSSHData, one goroutine per shell. sess is passed explicitly rather
// than read from c.ssh so a stale reader outlived by a reauth never
// confuses itself with the replacement shell.
func (c *Controller) startSSHReader(sess SSHHandle) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := sess.Read(buf)
			if n > 0 {
				c.FeedSSHData(buf[:n])
			}
			if err != nil {
				c.FeedSSHClosed(err)
				return
			}
		}
	}()
}

// ─── ShellReady ─────────────────────────────────────────────

// WireTerminal is the payload for the "terminal" command kind:
// {term?, rows, cols}.
type WireTerminal struct {
	Term string
	Rows int
	Cols int
}

func (c *Controller) onTerminal(data any) {
	wt, ok := data.(WireTerminal)
	if !ok {
		return
	}
	dims := limits.Clamp(wt.Rows, wt.Cols, c.record.InitialTerm.Dims)
	if dims == c.record.InitialTerm.Dims && c.record.InitialTerm.Know {
		return // dedup redundant terminal event
	}
	c.record.InitialTerm = TermSpec{
		Term: firstNonEmpty(limits.SanitizeTerm(wt.Term), c.record.InitialTerm.Term, c.cfg.DefaultTerm),
		Dims: dims,
		Know: true,
	}
	if c.record.State == StateConnecting && c.ssh == nil {
		c.openShell()
	}
}

// WireResize is the payload for the "resize" command kind: {rows, cols}.
type WireResize struct {
	Rows int
	Cols int
}

func (c *Controller) onResize(data any) {
	if c.record.State != StateShellReady {
		return // non-ShellReady resize is dropped silently
	}
	wr, ok := data.(WireResize)
	if !ok || c.ssh == nil {
		return
	}
	if limits.Clamp(wr.Rows, wr.Cols, c.record.LiveTerm) == c.record.LiveTerm {
		return // unchanged after clamping: no window-change on the wire
	}
	dims, err := c.ssh.Resize(wr.Rows, wr.Cols)
	if err != nil {
		return
	}
	c.record.LiveTerm = dims
}

func (c *Controller) onClientData(data any) {
	if c.record.State != StateShellReady || c.ssh == nil {
		return // non-ShellReady data is dropped silently
	}
	p, ok := data.([]byte)
	if !ok {
		return
	}
	_, _ = c.ssh.Write(p)
}

func (c *Controller) onSSHData(data any) {
	p, ok := data.([]byte)
	if !ok || c.record.State != StateShellReady {
		return
	}
	_ = c.sink.SendData(p)
}

// WireControl is the payload for the "control" command kind:
// name ∈ {replayCredentials, reauth}.
type WireControl struct {
	Name string
}

func (c *Controller) onControl(data any) {
	if c.record.State != StateShellReady {
		return
	}
	wc, ok := data.(WireControl)
	if !ok {
		return
	}
	switch wc.Name {
	case "replayCredentials":
		if !c.cfg.Options.AllowReplay || c.ssh == nil {
			return
		}
		pw := c.record.StoredReplayPassword
		if pw == "" {
			return
		}
		_, _ = c.ssh.Write([]byte(pw + "\r"))
	case "reauth":
		if !c.cfg.Options.AllowReauth {
			return
		}
		if c.ssh != nil {
			_ = c.ssh.Close()
			c.ssh = nil
		}
		if c.sshClient != nil {
			_ = c.sshClient.Close()
			c.sshClient = nil
		}
		c.record.Credentials = nil
		c.record.StoredReplayPassword = ""
		c.record.AuthMethodInEffect = ""
		c.setState(StateAwaitingAuth)
		_ = c.sink.SendAuthResult(false, "")
	}
}

func (c *Controller) onSSHClosed(data any) {
	if c.record.State != StateShellReady {
		// Stale event from a reader outlived by a reauth/reconnect that has
		// already moved the record elsewhere; the replacement connection (if
		// any) owns the record now.
		return
	}
	err, _ := data.(error)
	msg := "Connection closed"
	if err != nil {
		msg = err.Error()
	}
	_ = c.sink.SendSSHError(msg)
	c.transitionToClosing("ssh stream closed")
	c.setState(StateClosed)
}

func (c *Controller) transitionToClosing(reason string) {
	if c.record.State == StateClosing || c.record.State == StateClosed {
		return
	}
	c.log.Event(gwlog.LevelInfo, "session_closing", reason, gwlog.F("session_id", c.record.ID))
	c.setState(StateClosing)
}

// Snapshot returns a value copy of the record for observability. Safe to
// call once the controller is Done, or from the owning goroutine.
func (c *Controller) Snapshot() Record {
	return c.record
}
