// Package gateway is the client event gateway: it upgrades the WebSocket,
// frames the wire vocabulary as either a tagged JSON control envelope
// ({"type": ...}) or a raw binary data frame, and drives a
// session.Controller from the decoded messages. It has no PocketBase or
// SSH imports of its own; session.Controller is the only collaborator it
// depends on.
package gateway

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/websoft9/ssh-gateway/backend/internal/authpolicy"
	"github.com/websoft9/ssh-gateway/backend/internal/credentials"
	"github.com/websoft9/ssh-gateway/backend/internal/session"
	"github.com/websoft9/ssh-gateway/backend/internal/sshconn"
)

// Upgrader accepts every origin; NewUpgrader returns it when the allow-list
// is empty or contains "*". CheckOrigin is permissive: authentication is
// enforced upstream by the route's auth middleware.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewUpgrader returns an Upgrader that accepts only the given origins. An
// empty list or a "*" entry accepts everything, since authentication is
// enforced by the route's middleware regardless.
func NewUpgrader(origins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return Upgrader
		}
		allowed[o] = struct{}{}
	}
	if len(allowed) == 0 {
		return Upgrader
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser client
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// ─── Inbound (client → server) envelope ─────────────────────────────────

// clientEnvelope is the superset of fields any client→server control
// message may carry. Unused fields for a given Type are
// simply left at their zero value.
type clientEnvelope struct {
	Type string `json:"type"`

	// authenticate
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Term       string `json:"term"`
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`

	// keyboard-interactive-response
	Responses []string `json:"responses"`

	// control
	Op string `json:"op"`
}

// ─── Outbound (server → client) envelope ────────────────────────────────

type serverEnvelope struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`

	Prompts []promptDTO `json:"prompts,omitempty"`

	AutoLog        bool `json:"autoLog,omitempty"`
	AllowReplay    bool `json:"allowReplay,omitempty"`
	AllowReconnect bool `json:"allowReconnect,omitempty"`
	AllowReauth    bool `json:"allowReauth,omitempty"`

	// Value is true for getTerminal and a string for updateUI.
	Value any `json:"value,omitempty"`

	Element string `json:"element,omitempty"`

	Error  string `json:"error,omitempty"`
	Method string `json:"method,omitempty"`
}

type promptDTO struct {
	Text string `json:"text"`
	Echo bool   `json:"echo"`
}

// ─── Conn: the session.ClientSink implementation ────────────────────────

// Conn adapts one upgraded *websocket.Conn into a session.ClientSink.
// gorilla/websocket connections only support one concurrent writer, and
// both the SSH reader and the gateway's own error paths can write, so
// every Send* method serializes through writeMu.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewConn wraps an already-upgraded WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

func (c *Conn) SendAuthResult(success bool, message string) error {
	return c.writeJSON(serverEnvelope{Type: "authentication", Action: "auth_result", Success: success, Message: message})
}

func (c *Conn) SendAuthMethodDisabled(method authpolicy.Method) error {
	return c.writeJSON(serverEnvelope{Type: "ssh_auth_failure", Error: "auth_method_disabled", Method: string(method)})
}

func (c *Conn) SendKeyboardInteractive(ps sshconn.PromptSet) error {
	prompts := make([]promptDTO, len(ps.Prompts))
	for i, p := range ps.Prompts {
		prompts[i] = promptDTO{Text: p.Text, Echo: p.Echo}
	}
	return c.writeJSON(serverEnvelope{Type: "authentication", Action: "keyboard-interactive", Prompts: prompts})
}

func (c *Conn) SendPermissions(p session.Permissions) error {
	return c.writeJSON(serverEnvelope{
		Type:           "permissions",
		AutoLog:        p.AutoLog,
		AllowReplay:    p.AllowReplay,
		AllowReconnect: p.AllowReconnect,
		AllowReauth:    p.AllowReauth,
	})
}

func (c *Conn) SendGetTerminal() error {
	return c.writeJSON(serverEnvelope{Type: "getTerminal", Value: true})
}

func (c *Conn) SendUpdateUI(element, value string) error {
	return c.writeJSON(serverEnvelope{Type: "updateUI", Element: element, Value: value})
}

func (c *Conn) SendData(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (c *Conn) SendSSHError(message string) error {
	return c.writeJSON(serverEnvelope{Type: "ssherror", Message: message})
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

var _ session.ClientSink = (*Conn)(nil)

// ─── Reader loop ─────────────────────────────────────────────────────────

// Pump runs the inbound read loop until the socket closes or ctrl finishes,
// translating every frame into a Submit call. It is the client-side
// producer feeding the session's command queue (the SSH-side producer
// lives in session.Controller itself). Pump returns once the connection is
// no longer readable; the caller is responsible for calling ctrl.Run in
// its own goroutine beforehand.
//
// onFrame, if given, is called once per successfully read frame with the
// frame's byte length, before it is dispatched. The route wires this to
// the health registry's Touch and byte counters so idle tracking and
// traffic accounting reflect real activity; tests that don't care about
// liveness may omit it.
func Pump(ws *websocket.Conn, ctrl *session.Controller, onFrame ...func(n int)) {
	for {
		mt, msg, err := ws.ReadMessage()
		if err != nil {
			ctrl.Submit("disconnect", nil)
			return
		}

		select {
		case <-ctrl.Done():
			return
		default:
		}

		for _, fn := range onFrame {
			fn(len(msg))
		}

		if mt == websocket.BinaryMessage {
			ctrl.Submit("data", msg)
			continue
		}

		var env clientEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			continue // malformed control frame: drop silently
		}
		dispatch(ctrl, env)
	}
}

func dispatch(ctrl *session.Controller, env clientEnvelope) {
	switch env.Type {
	case "authenticate":
		ctrl.Submit("authenticate", session.WireAuthenticate{
			Bundle: credentialsBundle(env),
			Term:   env.Term,
			Rows:   env.Rows,
			Cols:   env.Cols,
		})
	case "terminal":
		ctrl.Submit("terminal", session.WireTerminal{Term: env.Term, Rows: env.Rows, Cols: env.Cols})
	case "resize":
		ctrl.Submit("resize", session.WireResize{Rows: env.Rows, Cols: env.Cols})
	case "control":
		ctrl.Submit("control", session.WireControl{Name: env.Op})
	case "keyboard-interactive-response":
		ctrl.Submit("keyboard-interactive-response", env.Responses)
	case "disconnect":
		ctrl.Submit("disconnect", nil)
	}
}

func credentialsBundle(env clientEnvelope) credentials.Bundle {
	return credentials.Bundle{
		Username:   env.Username,
		Password:   env.Password,
		PrivateKey: env.PrivateKey,
		Passphrase: env.Passphrase,
		Host:       env.Host,
		Port:       env.Port,
	}
}

// WriteUpgradeError sends a JSON error body before the upgrade happens,
// e.g. when the target host or credentials could not be resolved.
func WriteUpgradeError(w http.ResponseWriter, status int, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(map[string]any{"message": message})
}
