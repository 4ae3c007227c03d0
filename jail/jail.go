// Package jail runs an external command inside a fresh set of Linux
// namespaces rooted at a dedicated directory, the Go analogue of
// vism's original unshare+chroot wrapper.
package jail

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ssaarts/vism/ca/caerrors"
)

// Jail is a filesystem root that commands are isolated against; the
// namespace flags are set by Run.
type Jail struct {
	// Dir is the root directory commands are chrooted into.
	Dir string
}

// New creates (but does not populate) a jail rooted at dir.
func New(dir string) *Jail {
	return &Jail{Dir: dir}
}

// CreateRoot makes the jail's root directory, including parents.
func (j *Jail) CreateRoot() error {
	return os.MkdirAll(j.Dir, 0o700)
}

// Cleanup tears down jail state on every exit path of a certificate
// operation. full=false removes only the jail's /tmp (the per-run
// scratch area); full=true removes the entire jail tree, matching the
// original's cleanup(full=False/True) two-tier contract.
func (j *Jail) Cleanup(full bool) error {
	if full {
		return os.RemoveAll(j.Dir)
	}
	return j.DeleteFolder("/tmp")
}

// CreateFolder makes path (and its parents) inside the jail.
func (j *Jail) CreateFolder(name string) error {
	p, err := j.join(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o700)
}

// DeleteFolder recursively removes path inside the jail. Removing a
// folder that doesn't exist is not an error.
func (j *Jail) DeleteFolder(name string) error {
	p, err := j.join(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

// DeleteFile removes a single file inside the jail.
func (j *Jail) DeleteFile(name string) error {
	p, err := j.join(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// join resolves name relative to the jail root, rejecting escapes.
func (j *Jail) join(name string) (string, error) {
	p := filepath.Join(j.Dir, name)
	rel, err := filepath.Rel(j.Dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("jail: path %q escapes root", name)
	}
	return p, nil
}

// WriteFile stages a file inside the jail. It refuses to overwrite an
// existing file, mirroring Chroot.write_file's ChrootWriteFileExists
// behavior.
func (j *Jail) WriteFile(name string, data []byte, perm os.FileMode) error {
	p, err := j.join(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		if os.IsExist(err) {
			return caerrors.ChrootWriteFileExistsError("file already exists: %s", name)
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// ReadFile reads a file back out of the jail.
func (j *Jail) ReadFile(name string) ([]byte, error) {
	p, err := j.join(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// CopyFile copies src (outside the jail, e.g. the openssl binary or a
// shared library) to name inside the jail.
func (j *Jail) CopyFile(src, name string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	p, err := j.join(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, data, info.Mode())
}

// Result is the captured output of a jailed command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Run executes command (already split into argv) inside a freshly
// unshared mount/UTS/IPC/network/PID/user/cgroup namespace set,
// chrooted at j.Dir. It mirrors the original's
// `unshare -muinpUCT -r chroot <dir> <cmd>` invocation. env is the
// command's environment; a nil env runs with no inherited variables
// rather than falling back to the host's, since exec.Cmd treats a nil
// Env as "inherit everything."
func (j *Jail) Run(ctx context.Context, argv []string, env []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("jail: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS |
			syscall.CLONE_NEWUTS |
			syscall.CLONE_NEWIPC |
			syscall.CLONE_NEWNET |
			syscall.CLONE_NEWPID |
			syscall.CLONE_NEWUSER |
			syscall.CLONE_NEWCGROUP,
		Chroot: j.Dir,
		// Map the current user to root inside the new user namespace,
		// the equivalent of unshare's -r flag.
		UidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}},
	}
	if env == nil {
		env = []string{}
	}
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitStatus = exitErr.ExitCode()
		return res, caerrors.ChrootCommandFailedError(
			"command %v exited %d: %s", argv, res.ExitStatus, res.Stderr)
	} else if err != nil {
		return res, err
	}
	return res, nil
}
