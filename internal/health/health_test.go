package health_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/websoft9/ssh-gateway/backend/internal/authpolicy"
	"github.com/websoft9/ssh-gateway/backend/internal/gwlog"
	"github.com/websoft9/ssh-gateway/backend/internal/health"
	"github.com/websoft9/ssh-gateway/backend/internal/session"
	"github.com/websoft9/ssh-gateway/backend/internal/sshconn"
)

// nullSink satisfies session.ClientSink for registry tests that never
// exercise the wire.
type nullSink struct{}

func (nullSink) SendAuthResult(bool, string) error               { return nil }
func (nullSink) SendAuthMethodDisabled(authpolicy.Method) error  { return nil }
func (nullSink) SendKeyboardInteractive(sshconn.PromptSet) error { return nil }
func (nullSink) SendPermissions(session.Permissions) error       { return nil }
func (nullSink) SendGetTerminal() error                          { return nil }
func (nullSink) SendUpdateUI(string, string) error               { return nil }
func (nullSink) SendData([]byte) error                           { return nil }
func (nullSink) SendSSHError(string) error                       { return nil }
func (nullSink) Close() error                                    { return nil }

func newController(t *testing.T) *session.Controller {
	t.Helper()
	return session.New(session.Config{Allowed: authpolicy.Default()}, nullSink{}, nil, gwlog.Noop{})
}

func TestRegisterAndSnapshot(t *testing.T) {
	r := health.NewRegistry()
	ctrl := newController(t)
	var in, out atomic.Int64
	in.Store(100)
	out.Store(200)

	r.Register(ctrl, &in, &out, time.Hour)
	defer r.Unregister(ctrl.ID())

	if got := r.Count(); got != 1 {
		t.Fatalf("expected 1 registered session, got %d", got)
	}
	snaps := r.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	s := snaps[0]
	if s.ID != ctrl.ID() || s.BytesIn != 100 || s.BytesOut != 200 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	if s.State != string(session.StateInit) {
		t.Fatalf("expected init state, got %q", s.State)
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := health.NewRegistry()
	ctrl := newController(t)
	var in, out atomic.Int64

	r.Register(ctrl, &in, &out, time.Hour)
	r.Unregister(ctrl.ID())
	r.Unregister(ctrl.ID())

	if got := r.Count(); got != 0 {
		t.Fatalf("expected empty registry, got %d", got)
	}
}

func TestTouchUnknownIDIsNoop(t *testing.T) {
	r := health.NewRegistry()
	r.Touch("no-such-session")
}

func TestRegistryForgetsClosedController(t *testing.T) {
	r := health.NewRegistry()
	ctrl := newController(t)
	var in, out atomic.Int64

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	r.Register(ctrl, &in, &out, time.Hour)
	ctrl.Submit("disconnect", nil)

	deadline := time.After(2 * time.Second)
	for r.Count() != 0 {
		select {
		case <-deadline:
			t.Fatalf("registry still holds %d sessions after controller closed", r.Count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWrapSinkCountsOutboundBytes(t *testing.T) {
	var out atomic.Int64
	sink := health.WrapSink(nullSink{}, &out)

	if err := sink.SendData([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := sink.SendData([]byte("world!")); err != nil {
		t.Fatal(err)
	}
	if got := out.Load(); got != 11 {
		t.Fatalf("expected 11 bytes counted, got %d", got)
	}
}
