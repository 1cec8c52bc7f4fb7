package cliutil

import (
	"io"
	"os"
)

// TraceDirEnv names the environment variable a wrapped process (and its
// subprocesses) consult to find the directory they should drop per-process
// Chrome trace JSON files into, for action_wrapper to later merge.
const TraceDirEnv = "ACTION_WRAPPER_TRACE_DIR"

// StdioRedirector buffers a process's stdout/stderr to a file, replacing
// os.Stdout/os.Stderr for the process's lifetime, and can play the
// buffered output back to the real stderr once the caller knows whether
// the run was abnormal. This matches action_wrapper's "--log" behavior:
// quiet on success, surfaced on failure.
type StdioRedirector struct {
	file       *os.File
	realStderr *os.File
	origStdout *os.File
	origStderr *os.File
}

// NewStdioRedirector opens path and redirects the current process's
// os.Stdout and os.Stderr to it.
func NewStdioRedirector(path string) (*StdioRedirector, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	r := &StdioRedirector{
		file:       f,
		realStderr: os.Stderr,
		origStdout: os.Stdout,
		origStderr: os.Stderr,
	}
	os.Stdout = f
	os.Stderr = f
	return r, nil
}

// FlushToRealStderr restores the original stdio streams and copies the
// buffered file's contents to the real stderr.
func (r *StdioRedirector) FlushToRealStderr() error {
	os.Stdout = r.origStdout
	os.Stderr = r.origStderr
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(r.realStderr, r.file)
	return err
}

// Close closes the backing file without restoring stdio streams.
func (r *StdioRedirector) Close() error {
	return r.file.Close()
}
