package authpipeline_test

import (
	"testing"

	"github.com/websoft9/ssh-gateway/backend/internal/authpipeline"
	"github.com/websoft9/ssh-gateway/backend/internal/credentials"
)

func validBundle(host string) credentials.Bundle {
	return credentials.Bundle{Username: "root", Host: host, Port: 22, Password: "p"}
}

func TestMergePrefersHTTPBasicOverOthers(t *testing.T) {
	sources := []authpipeline.Source{
		{Kind: authpipeline.SocketManual, Bundle: validBundle("socket-host")},
		{Kind: authpipeline.HTTPBasic, Bundle: validBundle("basic-host")},
		{Kind: authpipeline.SSOHeaders, Bundle: validBundle("sso-host")},
	}
	bundle, needsInput := authpipeline.Merge(sources)
	if needsInput {
		t.Fatal("expected a resolved bundle")
	}
	if bundle.Host != "basic-host" {
		t.Fatalf("expected HTTPBasic to win, got %q", bundle.Host)
	}
}

func TestMergeFallsThroughPriorityOrder(t *testing.T) {
	sources := []authpipeline.Source{
		{Kind: authpipeline.SSOHeaders, Bundle: validBundle("sso-host")},
		{Kind: authpipeline.SocketManual, Bundle: validBundle("socket-host")},
	}
	bundle, needsInput := authpipeline.Merge(sources)
	if needsInput || bundle.Host != "sso-host" {
		t.Fatalf("expected SSOHeaders to win over SocketManual, got %+v needsInput=%v", bundle, needsInput)
	}
}

func TestMergeSkipsInvalidBundles(t *testing.T) {
	sources := []authpipeline.Source{
		{Kind: authpipeline.HTTPBasic, Bundle: credentials.Bundle{Username: "root", Host: "h", Port: 22}}, // no auth material
		{Kind: authpipeline.SocketManual, Bundle: validBundle("socket-host")},
	}
	bundle, needsInput := authpipeline.Merge(sources)
	if needsInput || bundle.Host != "socket-host" {
		t.Fatalf("expected fallback to SocketManual, got %+v needsInput=%v", bundle, needsInput)
	}
}

func TestMergeWithNoSourcesNeedsClientInput(t *testing.T) {
	bundle, needsInput := authpipeline.Merge(nil)
	if bundle != nil || !needsInput {
		t.Fatalf("expected nil bundle and needsClientInput=true, got %+v %v", bundle, needsInput)
	}
}
