package container

import (
	"context"
	"testing"
	"time"
)

func TestControlServerLoginNotifierPhases(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mode   LoginMode
		phase  LoginPhase
		action string
	}{
		{"before build, login requested", LoginBeforeBuild, LoginPhaseBefore, "login"},
		{"before build, wrong phase", LoginBeforeBuild, LoginPhaseAfterSuccess, "continue"},
		{"after build success", LoginAfterBuild, LoginPhaseAfterSuccess, "login"},
		{"after build failure", LoginAfterFailure, LoginPhaseAfterFailure, "login"},
		{"after failure, build succeeded", LoginAfterFailure, LoginPhaseAfterSuccess, "continue"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			server, err := StartControlServer(loginNotifier(tc.mode))
			if err != nil {
				t.Fatalf("StartControlServer: %v", err)
			}
			defer server.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client, err := DialControlServer(ctx, server.Addr())
			if err != nil {
				t.Fatalf("DialControlServer: %v", err)
			}
			defer client.Close()

			resp, err := client.Notify(ctx, map[string]interface{}{"phase": string(tc.phase)})
			if err != nil {
				t.Fatalf("Notify: %v", err)
			}
			if resp["action"] != tc.action {
				t.Errorf("Notify(phase=%s) action = %v, want %q", tc.phase, resp["action"], tc.action)
			}
		})
	}
}

func TestCommandAutoWiresControlChannel(t *testing.T) {
	p := &PreparedContainer{settings: &ContainerSettings{MutableBaseDir: t.TempDir()}}
	server, err := StartControlServer(loginNotifier(LoginBeforeBuild))
	if err != nil {
		t.Fatalf("StartControlServer: %v", err)
	}
	defer server.Close()
	p.controlServer = server

	cb := p.Command("/bin/true")
	if cb.controlAddr != server.Addr() {
		t.Errorf("Command() controlAddr = %q, want %q", cb.controlAddr, server.Addr())
	}
}
