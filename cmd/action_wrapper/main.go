// Command action_wrapper runs another program, optionally under sudo,
// optionally capturing its stdout/stderr and merging Chrome trace profiles
// its children wrote, then propagates its exit status (spec section 6,
// "general-purpose action wrapper").
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"alchemist.dev/alloy/internal/chrometrace"
	"alchemist.dev/alloy/internal/cliutil"
)

const sudoPath = "/usr/bin/sudo"

func ensurePasswordlessSudo() error {
	cmd := exec.Command(sudoPath, "-n", "true")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf(`cannot run sudo without a password; run "sudo true" and try again: %w`, err)
	}
	return nil
}

// buildCommand constructs the wrapped process's exec.Cmd, either directly
// or re-launched under `sudo /usr/bin/env -i <inherited env> <extra env>`
// to run with elevated privilege while still controlling its environment.
func buildCommand(commandLine []string, extraEnv map[string]string, privileged bool) (*exec.Cmd, error) {
	if privileged {
		if err := ensurePasswordlessSudo(); err != nil {
			return nil, err
		}
		args := []string{"/usr/bin/env", "-i"}
		args = append(args, os.Environ()...)
		for k, v := range extraEnv {
			args = append(args, fmt.Sprintf("%s=%s", k, v))
		}
		args = append(args, commandLine...)
		return exec.Command(sudoPath, args...), nil
	}

	cmd := exec.Command(commandLine[0], commandLine[1:]...)
	cmd.Env = os.Environ()
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return cmd, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// mergeProfiles loads every trace JSON file under profilesDir, rebases
// each process's timestamps onto a common origin using its clock_sync
// metadata event, adds process_sort_index entries so the merged timeline
// orders processes by start time, and appends a span for action_wrapper
// itself before writing the result to outputPath.
func mergeProfiles(profilesDir, outputPath string, originInstant time.Time, originTime time.Time, rusage *unix.Rusage) error {
	merged := chrometrace.New()

	entries, err := os.ReadDir(profilesDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		f, err := os.Open(filepath.Join(profilesDir, entry.Name()))
		if err != nil {
			return err
		}
		trace, err := chrometrace.Load(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("loading %s: %w", entry.Name(), err)
		}
		merged.Events = append(merged.Events, trace.Events...)
	}

	baseTimeByProcess := make(map[int64]time.Time)
	for _, event := range merged.Events {
		systemTimeUsec, ok := chrometrace.ClockSyncSystemTime(event)
		if !ok {
			continue
		}
		systemTime := time.Unix(0, int64(systemTimeUsec*1000))
		baseTime := systemTime.Add(-time.Duration(event.Timestamp * float64(time.Microsecond)))
		baseTimeByProcess[event.ProcessID] = baseTime
	}

	for i := range merged.Events {
		base, ok := baseTimeByProcess[merged.Events[i].ProcessID]
		if !ok {
			continue
		}
		merged.Events[i].Timestamp += (unixSeconds(base) - unixSeconds(originTime)) * 1_000_000
	}

	type processStart struct {
		processID int64
		start     time.Time
	}
	var order []processStart
	for pid, start := range baseTimeByProcess {
		order = append(order, processStart{pid, start})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].start.Before(order[j].start) })
	for sortIndex, p := range order {
		merged.Events = append(merged.Events, chrometrace.Event{
			Name:      "process_sort_index",
			Phase:     chrometrace.PhaseMetadata,
			ProcessID: p.processID,
			Args:      chrometrace.MustArgs(map[string]interface{}{"sort_index": sortIndex}),
		})
	}

	clockSyncUsec := unixSeconds(originTime) * 1_000_000
	for _, m := range []struct {
		name string
		args interface{}
	}{
		{"process_name", map[string]interface{}{"name": "action_wrapper"}},
		{"thread_name", map[string]interface{}{"name": "info"}},
		{"clock_sync", map[string]interface{}{"system_time": clockSyncUsec}},
	} {
		merged.Events = append(merged.Events, chrometrace.Event{
			Name:      m.name,
			Phase:     chrometrace.PhaseMetadata,
			ProcessID: 1,
			ThreadID:  1,
			Args:      chrometrace.MustArgs(m.args),
		})
	}

	merged.Events = append(merged.Events, chrometrace.Event{
		Name: "action_wrapper", Phase: chrometrace.PhaseBegin, ProcessID: 1, ThreadID: 1,
	})

	userUsec := float64(rusage.Utime.Sec)*1e6 + float64(rusage.Utime.Usec)
	sysUsec := float64(rusage.Stime.Sec)*1e6 + float64(rusage.Stime.Usec)
	merged.Events = append(merged.Events, chrometrace.Event{
		Name:      "action_wrapper",
		Phase:     chrometrace.PhaseEnd,
		Timestamp: float64(time.Since(originInstant).Microseconds()),
		ProcessID: 1,
		ThreadID:  1,
		Args: chrometrace.MustArgs(map[string]interface{}{
			"total_time": userUsec + sysUsec,
			"user_time":  userUsec,
			"sys_time":   sysUsec,
		}),
	})

	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()
	return merged.Save(out)
}

func formatTimes(wall time.Duration, rusage *unix.Rusage) string {
	user := float64(rusage.Utime.Sec) + float64(rusage.Utime.Usec)/1e6
	sys := float64(rusage.Stime.Sec) + float64(rusage.Stime.Usec)/1e6
	return fmt.Sprintf("wall %.1fs, total %.1fs, user %.1fs, sys %.1fs", wall.Seconds(), user+sys, user, sys)
}

var app = &cli.App{
	Name:      "action_wrapper",
	Usage:     "General-purpose wrapper of programs implementing Bazel actions",
	ArgsUsage: "<command> [args...]",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "log", Usage: "Redirect stdout/stderr to this file, printed to stderr only on abnormal exit"},
		&cli.StringFlag{Name: "profile", Usage: "Merge collected Chrome trace profiles into this file"},
		&cli.BoolFlag{Name: "privileged", Usage: "Run the command under passwordless sudo"},
		&cli.StringSliceFlag{Name: "privileged-output", Usage: "Output file to chown back to the caller after a privileged run, repeatable"},
		&cli.StringFlag{Name: "temp-dir", Required: true, Usage: "Value to set TMPDIR to; created if missing"},
		&cli.StringFlag{Name: "banner", Usage: "Printed to stderr before and would be useful after the wrapped command"},
	},
	Action: func(c *cli.Context) error {
		commandLine := c.Args().Slice()
		if len(commandLine) == 0 {
			return cli.Exit("action_wrapper requires a command to run", 2)
		}

		var redirector *cliutil.StdioRedirector
		if log := c.String("log"); log != "" {
			r, err := cliutil.NewStdioRedirector(log)
			if err != nil {
				return fmt.Errorf("opening --log file: %w", err)
			}
			redirector = r
		}

		if banner := c.String("banner"); banner != "" {
			fmt.Fprintln(os.Stderr, banner)
		}

		originInstant := time.Now()
		originTime := time.Now()

		tempDir, err := filepath.Abs(c.String("temp-dir"))
		if err != nil {
			return fmt.Errorf("resolving --temp-dir: %w", err)
		}
		if err := os.MkdirAll(tempDir, 0o755); err != nil {
			return fmt.Errorf("mkdir -p %s: %w", tempDir, err)
		}
		os.Setenv("TMPDIR", tempDir)

		var profilesDir string
		if c.String("profile") != "" {
			profilesDir, err = os.MkdirTemp("", "action_wrapper_profiles")
			if err != nil {
				return err
			}
			defer os.RemoveAll(profilesDir)
		}

		extraEnv := map[string]string{}
		if profilesDir != "" {
			extraEnv[cliutil.TraceDirEnv] = profilesDir
		}

		cmd, err := buildCommand(commandLine, extraEnv, c.Bool("privileged"))
		if err != nil {
			return err
		}
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		runErr := cmd.Run()

		var rusage unix.Rusage
		if err := unix.Getrusage(unix.RUSAGE_CHILDREN, &rusage); err != nil {
			return fmt.Errorf("getrusage: %w", err)
		}

		wall := time.Since(originInstant)
		exitCode, signalNum, abnormal := exitStatusOf(cmd, runErr)
		if signalNum != 0 {
			fmt.Fprintf(os.Stderr, "action_wrapper: command killed with signal %d (%s)\n", signalNum, formatTimes(wall, &rusage))
		} else {
			fmt.Fprintf(os.Stderr, "action_wrapper: command exited with code %d (%s)\n", exitCode, formatTimes(wall, &rusage))
		}

		if c.Bool("privileged") {
			if outputs := c.StringSlice("privileged-output"); len(outputs) > 0 {
				chownArgs := append([]string{"chown", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()), "--"}, outputs...)
				if err := exec.Command(sudoPath, chownArgs...).Run(); err != nil {
					return fmt.Errorf("chowning privileged outputs: %w", err)
				}
			}
		}

		if profile := c.String("profile"); profile != "" {
			if err := mergeProfiles(profilesDir, profile, originInstant, originTime, &rusage); err != nil {
				return fmt.Errorf("merging profiles: %w", err)
			}
		}

		if abnormal && redirector != nil {
			if ferr := redirector.FlushToRealStderr(); ferr != nil {
				fmt.Fprintf(os.Stderr, "action_wrapper: failed to flush --log output: %v\n", ferr)
			}
		}
		if redirector != nil {
			redirector.Close()
		}

		if signalNum != 0 {
			return cliutil.ExitCode(128 + signalNum)
		}
		return cliutil.ExitCode(exitCode)
	},
}

// exitStatusOf decodes a completed exec.Cmd's result into an exit code and,
// if killed by a signal, the signal number. abnormal reports whether the
// run did not exit with status 0.
func exitStatusOf(cmd *exec.Cmd, runErr error) (exitCode int, signalNum int, abnormal bool) {
	state := cmd.ProcessState
	if state == nil {
		return 1, 0, true
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 0, int(ws.Signal()), true
	}
	code := state.ExitCode()
	return code, 0, code != 0
}

func main() {
	cliutil.Exit(app.Run(os.Args))
}
