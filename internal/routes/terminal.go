package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/pocketbase/pocketbase/tools/router"

	"github.com/websoft9/ssh-gateway/backend/internal/audit"
	"github.com/websoft9/ssh-gateway/backend/internal/authpipeline"
	"github.com/websoft9/ssh-gateway/backend/internal/authpolicy"
	"github.com/websoft9/ssh-gateway/backend/internal/config"
	"github.com/websoft9/ssh-gateway/backend/internal/credentials"
	"github.com/websoft9/ssh-gateway/backend/internal/crypto"
	"github.com/websoft9/ssh-gateway/backend/internal/gateway"
	"github.com/websoft9/ssh-gateway/backend/internal/gwlog"
	"github.com/websoft9/ssh-gateway/backend/internal/health"
	"github.com/websoft9/ssh-gateway/backend/internal/limits"
	"github.com/websoft9/ssh-gateway/backend/internal/session"
	"github.com/websoft9/ssh-gateway/backend/internal/settings"
	"github.com/websoft9/ssh-gateway/backend/internal/sshconn"
)

// sessionRegistry tracks every live terminal session for idle-timeout
// enforcement and the health route's liveness snapshot.
var sessionRegistry = health.NewRegistry()

// wsTokenAuth authenticates WebSocket upgrade requests using a "token"
// query parameter. Browsers cannot set custom headers on a WS upgrade, so
// the frontend sends the JWT as ?token=. PocketBase's global loadAuthToken
// middleware runs before route-level Bind, so we must resolve the auth
// record ourselves rather than just setting the header.
func wsTokenAuth() *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "wsTokenAuth",
		// Must run AFTER loadAuthToken (-1020) but BEFORE RequireAuth (0).
		// Without this, RequireAuth from the parent group rejects the
		// request before wsTokenAuth gets a chance to set e.Auth.
		Priority: -1019,
		Func: func(e *core.RequestEvent) error {
			if e.Auth != nil {
				return e.Next() // already authenticated (e.g. via header/cookie)
			}
			tok := e.Request.URL.Query().Get("token")
			if tok == "" {
				return e.Next()
			}
			record, err := e.App.FindAuthRecordByToken(tok, core.TokenTypeAuth)
			if err == nil && record != nil {
				e.Auth = record
			}
			return e.Next()
		},
	}
}

// registerTerminalRoutes mounts the Client Event Gateway's single endpoint.
//
//	GET /api/ext/terminal/ssh/{serverId} — WebSocket SSH PTY
func registerTerminalRoutes(g *router.RouterGroup[*core.RequestEvent], cfg *config.Config) {
	t := g.Group("/terminal")
	t.Bind(wsTokenAuth())
	t.Bind(apis.RequireAuth())

	t.GET("/ssh/{serverId}", handleSSHTerminal(cfg))

	// Deliberately outside the auth group: a 401 with a Basic challenge is
	// how a browser is made to forget cached Basic credentials.
	g.GET("/terminal/reauth", func(e *core.RequestEvent) error {
		e.Response.Header().Set("WWW-Authenticate", `Basic realm="WebSSH2"`)
		return e.NoContent(http.StatusUnauthorized)
	})
}

// handleSSHTerminal resolves the connect target from the servers/secrets
// collections, upgrades the socket, and wires session.New + gateway.Pump +
// sshconn.Connect + health.Registry together for the life of the
// connection — the browser-to-SSH gateway's one stateful request.
func handleSSHTerminal(cfg *config.Config) func(*core.RequestEvent) error {
	upgrader := gateway.NewUpgrader(cfg.HTTP.Origins)
	return func(e *core.RequestEvent) error {
		serverID := e.Request.PathValue("serverId")
		target, err := resolveConnectTarget(e, serverID)
		if err != nil {
			return gateway.WriteUpgradeError(e.Response, http.StatusBadRequest, err.Error())
		}

		ws, err := upgrader.Upgrade(e.Response, e.Request, nil)
		if err != nil {
			return nil // Upgrade already wrote its own error response.
		}

		allowed := resolveAllowedMethods(e.App)
		hostKeyCB, hkErr := sshconn.ResolveHostKeyCallback(sshKnownHostsPath(e.App), sshRequireHostKeyVerification(e.App))
		if hkErr != nil {
			_ = gateway.NewConn(ws).SendSSHError(hkErr.Error())
			return ws.Close()
		}

		var bytesIn, bytesOut atomic.Int64
		sink := health.WrapSink(gateway.NewConn(ws), &bytesOut)

		connect := func(ctx context.Context, sc sshconn.Config) (session.SSHClient, authpolicy.Method, error) {
			sc.Allowed = allowed
			sc.Ciphers = cfg.SSH.Ciphers
			sc.ReadyTimeout = cfg.SSH.ReadyTimeout
			sc.KeepaliveInterval = cfg.SSH.KeepaliveInterval
			sc.KeepaliveCountMax = cfg.SSH.KeepaliveCountMax
			sc.AlwaysSendKeyboardInteractivePrompts = cfg.SSH.AlwaysSendKeyboardInteractivePrompts
			sc.HostKeyCallback = hostKeyCB
			cl, method, err := sshconn.Connect(ctx, sc)
			if err != nil {
				return nil, "", err
			}
			return sshClientHandle{cl}, method, nil
		}

		ctrl := session.New(session.Config{
			Allowed:     allowed,
			DefaultTerm: cfg.SSH.Term,
			Options: session.Options{
				AllowReplay:    cfg.Options.AllowReplay,
				AllowReauth:    cfg.Options.AllowReauth,
				AllowReconnect: cfg.Options.AllowReconnect,
				AutoLog:        cfg.Options.AutoLog,
			},
		}, sink, connect, gwlog.NewZerolog(""))

		sessionRegistry.Register(ctrl, &bytesIn, &bytesOut, resolveIdleTimeout(e.App, cfg))
		defer sessionRegistry.Unregister(ctrl.ID())

		userID, userEmail := actorInfo(e.Auth)
		ip := e.RealIP()
		startedAt := time.Now().UTC()
		defer func() {
			snap := ctrl.Snapshot()
			audit.Write(e.App, audit.Entry{
				UserID: userID, UserEmail: userEmail,
				Action: "terminal.ssh.session", ResourceType: "server", ResourceID: serverID,
				Status: audit.StatusSuccess, IP: ip,
				Detail: map[string]any{
					"sessionId":   ctrl.ID(),
					"startedAt":   startedAt.Format(time.RFC3339),
					"endedAt":     time.Now().UTC().Format(time.RFC3339),
					"bytesIn":     bytesIn.Load(),
					"bytesOut":    bytesOut.Load(),
					"authMethod":  string(snap.AuthMethodInEffect),
					"finalState":  string(snap.State),
					"authAttempts": snap.AuthAttempts,
				},
			})
		}()

		ctx, cancel := context.WithCancel(e.Request.Context())
		defer cancel()
		go ctrl.Run(ctx)

		ctrl.SubmitInitialBundle(target.bundle, target.host, target.port, target.user, target.env)

		gateway.Pump(ws, ctrl, func(n int) {
			bytesIn.Add(int64(n))
			sessionRegistry.Touch(ctrl.ID())
		})
		<-ctrl.Done()
		return nil
	}
}

// sshClientHandle adapts *sshconn.Client to session.SSHClient: Go has no
// covariant returns, so OpenShell's *sshconn.Session must be re-typed to
// the session package's SSHHandle interface here.
type sshClientHandle struct{ *sshconn.Client }

func (h sshClientHandle) OpenShell(term string, dims limits.Dimensions, env map[string]string) (session.SSHHandle, error) {
	return h.Client.OpenShell(term, dims, env)
}

// connectTarget is what resolveConnectTarget derives from the servers/
// secrets collections plus the request's own auth-pipeline sources, before
// the socket even upgrades.
type connectTarget struct {
	host   string
	port   int
	user   string
	env    map[string]string
	bundle *credentials.Bundle
}

// resolveConnectTarget loads the server record, decrypts its provisioned
// secret (if any), and merges it against the request's other auth-pipeline
// sources: an HTTP Basic header (ad-hoc override), URL query params, and
// SSO headers. The fourth source — the client's own
// "authenticate" wire event — is handled later, inside
// session.Controller.onAuthenticate, since it only arrives after the
// socket is already open.
//
// The provisioned server+secret pair is modeled as an
// authpipeline.HTTPBasic source: it is request-context-derived exactly
// like a real Basic Auth header, just sourced from the database instead of
// the wire. It is listed after the real header in the source slice so
// that, at equal priority, an explicit ad-hoc header (rare) still wins the
// tie over the pre-provisioned default.
func resolveConnectTarget(e *core.RequestEvent, serverID string) (connectTarget, error) {
	var out connectTarget

	server, err := e.App.FindRecordById("servers", serverID)
	if err != nil {
		return out, err
	}

	out.host = server.GetString("host")
	out.port = server.GetInt("port")
	if out.port == 0 {
		out.port = 22
	}
	out.user = server.GetString("user")
	authType := server.GetString("auth_type")

	out.env = map[string]string{}
	if raw := server.GetString("env"); raw != "" {
		var m map[string]string
		if json.Unmarshal([]byte(raw), &m) == nil {
			if v, verr := limits.ValidateEnvBundle(m); verr == nil {
				out.env = v
			}
		}
	}

	stored := credentials.Bundle{Username: out.user, Host: out.host, Port: out.port}
	if credID := server.GetString("credential"); credID != "" {
		if secretRec, serr := e.App.FindRecordById("secrets", credID); serr == nil {
			if plain, derr := crypto.Decrypt(secretRec.GetString("value")); derr == nil {
				if authType == "private_key" {
					stored.PrivateKey = plain
				} else {
					stored.Password = plain
				}
			}
		}
	}

	sources := []authpipeline.Source{}
	if u, p, ok := e.Request.BasicAuth(); ok {
		sources = append(sources, authpipeline.Source{
			Kind:   authpipeline.HTTPBasic,
			Bundle: credentials.Bundle{Username: u, Password: p, Host: out.host, Port: out.port},
		})
	}
	sources = append(sources, authpipeline.Source{Kind: authpipeline.HTTPBasic, Bundle: stored})

	q := e.Request.URL.Query()
	if q.Get("username") != "" || q.Get("password") != "" || q.Get("privateKey") != "" {
		sources = append(sources, authpipeline.Source{Kind: authpipeline.URLParams, Bundle: credentials.Bundle{
			Username:   firstNonEmptyString(q.Get("username"), out.user),
			Host:       out.host,
			Port:       out.port,
			Password:   q.Get("password"),
			PrivateKey: q.Get("privateKey"),
			Passphrase: q.Get("passphrase"),
		}})
	}

	if h := e.Request.Header.Get("x-apm-username"); h != "" {
		sources = append(sources, authpipeline.Source{Kind: authpipeline.SSOHeaders, Bundle: credentials.Bundle{
			Username: h,
			Password: e.Request.Header.Get("x-apm-password"),
			Host:     out.host,
			Port:     out.port,
		}})
	}

	out.bundle, _ = authpipeline.Merge(sources)
	return out, nil
}

func firstNonEmptyString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveAllowedMethods loads the ssh/policy settings group and translates
// its three boolean toggles into the authpolicy.Allowed list the connector
// and the state machine both gate on.
func resolveAllowedMethods(app core.App) authpolicy.Allowed {
	policy, _ := settings.GetGroup(app, "ssh", "policy", defaultSSHPolicy)
	var allowed authpolicy.Allowed
	if boolField(policy, "passwordEnabled", true) {
		allowed = append(allowed, authpolicy.Password)
	}
	if boolField(policy, "keyboardInteractiveEnabled", true) {
		allowed = append(allowed, authpolicy.KeyboardInteractive)
	}
	if boolField(policy, "privateKeyEnabled", true) {
		allowed = append(allowed, authpolicy.PublicKey)
	}
	return allowed
}

// resolveIdleTimeout loads the session/limits settings group's
// idleTimeoutMinutes field, falling back to the process config's session
// timeout, then to health.DefaultIdleTimeout.
func resolveIdleTimeout(app core.App, cfg *config.Config) time.Duration {
	group, _ := settings.GetGroup(app, "session", "limits", defaultSessionLimits)
	minutes := settings.Int(group, "idleTimeoutMinutes", 0)
	if minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}
	if cfg != nil && cfg.Session.TimeoutMs > 0 {
		return time.Duration(cfg.Session.TimeoutMs) * time.Millisecond
	}
	return health.DefaultIdleTimeout
}

func sshKnownHostsPath(app core.App) string {
	group, _ := settings.GetGroup(app, "ssh", "connection", defaultSSHConnection)
	return settings.String(group, "knownHostsPath", "")
}

func sshRequireHostKeyVerification(app core.App) bool {
	group, _ := settings.GetGroup(app, "ssh", "connection", defaultSSHConnection)
	return boolField(group, "requireHostKeyVerification", false)
}

// boolField reads a bool field from an already-loaded settings group map,
// mirroring the pattern settings.Int/String use for their own types — no
// settings.Bool helper exists, so it lives here beside its callers.
func boolField(group map[string]any, field string, fallback bool) bool {
	v, ok := group[field]
	if !ok || v == nil {
		return fallback
	}
	b, ok := v.(bool)
	if !ok {
		return fallback
	}
	return b
}

// actorInfo extracts the acting user's id/email from a request auth
// record, matching the same "system" fallback hooks.Register's audit
// hooks use for unauthenticated/worker-originated writes.
func actorInfo(auth *core.Record) (string, string) {
	if auth != nil {
		return auth.Id, auth.GetString("email")
	}
	return "system", ""
}
