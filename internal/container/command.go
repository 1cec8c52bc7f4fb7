package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// namespaceHelperEnv names the environment variable pointing at the
// trusted helper binary that enters the user/mount/PID namespaces and
// execs the command on a PreparedContainer's behalf. Production callers
// set this to a setuid-root or CAP_SYS_ADMIN-capable binary; Run returns an
// error when it is unset.
const namespaceHelperEnv = "ALLOY_NAMESPACE_HELPER"

// Config is the JSON document handed to the namespace helper, describing
// everything it needs to enter namespaces and exec the command (spec
// 4.I, "PreparedContainer::command").
type Config struct {
	Args                []string          `json:"args"`
	RootDir             string            `json:"root_dir"`
	Env                 map[string]string `json:"env"`
	Chdir               string            `json:"chdir"`
	AllowNetworkAccess  bool              `json:"allow_network_access"`
	KeepHostMount       bool              `json:"keep_host_mount"`
	ControlChannelAddr  string            `json:"control_channel_addr,omitempty"`
}

// CommandBuilder records arguments, working directory, and environment for
// one command to run inside a PreparedContainer.
type CommandBuilder struct {
	container  *PreparedContainer
	args       []string
	chdir      string
	env        map[string]string
	controlAddr string
}

// Command returns a CommandBuilder for name plus args, to run inside p. If
// p's settings requested a login mode other than LoginNever, the command is
// automatically wired to p's login control channel so the in-container
// helper can ask the host whether to drop into an interactive shell.
func (p *PreparedContainer) Command(name string, args ...string) *CommandBuilder {
	cb := &CommandBuilder{
		container: p,
		args:      append([]string{name}, args...),
		chdir:     "/",
		env:       map[string]string{},
	}
	if p.controlServer != nil {
		cb.WithControlChannel(p.controlServer.Addr())
	}
	return cb
}

func (c *CommandBuilder) Chdir(dir string) *CommandBuilder {
	c.chdir = dir
	return c
}

func (c *CommandBuilder) Setenv(key, value string) *CommandBuilder {
	c.env[key] = value
	return c
}

// WithControlChannel records the host ControlServer's address so the
// namespace helper can pass it through to the contained process.
func (c *CommandBuilder) WithControlChannel(addr string) *CommandBuilder {
	c.controlAddr = addr
	return c
}

func (c *CommandBuilder) config() Config {
	return Config{
		Args:               c.args,
		RootDir:            c.container.rootDir,
		Env:                c.env,
		Chdir:              c.chdir,
		AllowNetworkAccess: c.container.settings.AllowNetworkAccess,
		KeepHostMount:      c.container.settings.KeepHostMount,
		ControlChannelAddr: c.controlAddr,
	}
}

// Run writes the command's JSON config and execs the trusted namespace
// helper, blocking until the contained command exits.
func (c *CommandBuilder) Run(ctx context.Context) error {
	helper := os.Getenv(namespaceHelperEnv)
	if helper == "" {
		return fmt.Errorf("container: %s is not set; cannot enter namespaces", namespaceHelperEnv)
	}

	configPath := filepath.Join(c.container.stageDir, "run-config.json")
	data, err := json.Marshal(c.config())
	if err != nil {
		return err
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, helper, "--config", configPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
