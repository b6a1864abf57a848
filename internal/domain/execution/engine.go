package execution

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/matiasleandrokruk/enact/internal/domain/environment"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
)

const (
	LabelOwner     = "enact.engine"
	LabelExecution = "enact.execution"
)

// Engine is the container runtime seen by ContainerProvider.
type Engine interface {
	Name() string
	Ping(ctx context.Context) error
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
	ListOwned(ctx context.Context, owner string) ([]ContainerInfo, error)
	Remove(ctx context.Context, id string) error
}

// RunSpec describes one container run.
type RunSpec struct {
	Name      string
	Image     string
	Command   string
	WorkDir   string
	Env       map[string]string
	Files     []File
	Labels    map[string]string
	Resources tool.Resources
	Network   bool
}

// File is written into the container before the command starts.
type File struct {
	Path    string
	Content []byte
}

type RunResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
}

type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// Stopped reports whether the container is no longer running.
func (c ContainerInfo) Stopped() bool {
	switch strings.ToLower(c.State) {
	case "exited", "dead", "created":
		return true
	}
	return false
}

// CLIEngine drives a docker-compatible CLI (docker, podman, nerdctl).
type CLIEngine struct {
	binary      string
	outputLimit int
}

func NewCLIEngine(binary string) *CLIEngine {
	if binary == "" {
		binary = "docker"
	}
	return &CLIEngine{binary: binary, outputLimit: defaultOutputLimit}
}

func (e *CLIEngine) Name() string { return path.Base(e.binary) }

func (e *CLIEngine) Ping(ctx context.Context) error {
	_, err := e.run(ctx, nil, nil, "version", "--format", "{{.Server.Version}}")
	return err
}

func (e *CLIEngine) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if spec.Name == "" || spec.Image == "" {
		return nil, fmt.Errorf("%w: run spec needs a name and an image", ErrContainer)
	}
	args := []string{"create", "--name", spec.Name}
	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	envNames := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envNames = append(envNames, k)
	}
	sort.Strings(envNames)
	// Values travel through the CLI's own environment, never argv.
	for _, k := range envNames {
		args = append(args, "--env", k)
	}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}
	if !spec.Network {
		args = append(args, "--network", "none")
	}
	if spec.Resources.Memory != "" {
		args = append(args, "--memory", spec.Resources.Memory)
	}
	if spec.Resources.CPU != "" {
		args = append(args, "--cpus", spec.Resources.CPU)
	}
	args = append(args, spec.Image, "sh", "-c", spec.Command)

	if _, err := e.run(ctx, environment.Merge(os.Environ(), spec.Env), nil, args...); err != nil {
		return nil, err
	}
	if len(spec.Files) > 0 {
		archive, err := tarFiles(spec.Files)
		if err != nil {
			return nil, fmt.Errorf("%w: pack input files: %v", ErrContainer, err)
		}
		if _, err := e.run(ctx, nil, bytes.NewReader(archive), "cp", "-", spec.Name+":/"); err != nil {
			return nil, err
		}
	}

	stdout := newBoundedBuffer(e.outputLimit)
	stderr := newBoundedBuffer(e.outputLimit)
	cmd := exec.CommandContext(ctx, e.binary, "start", "--attach", spec.Name)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, classifyCLIError(err, stderr.String())
		}
	}
	return &RunResult{
		ExitCode:  cmd.ProcessState.ExitCode(),
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

func (e *CLIEngine) ListOwned(ctx context.Context, owner string) ([]ContainerInfo, error) {
	out, err := e.run(ctx, nil, nil, "ps", "--all", "--no-trunc",
		"--filter", "label="+LabelOwner+"="+owner, "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	var infos []ContainerInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var row struct {
			ID     string `json:"ID"`
			Names  string `json:"Names"`
			State  string `json:"State"`
			Labels string `json:"Labels"`
		}
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("%w: parse ps output: %v", ErrContainer, err)
		}
		infos = append(infos, ContainerInfo{
			ID:     row.ID,
			Name:   row.Names,
			State:  row.State,
			Labels: parseLabels(row.Labels),
		})
	}
	return infos, sc.Err()
}

func (e *CLIEngine) Remove(ctx context.Context, id string) error {
	_, err := e.run(ctx, nil, nil, "rm", "--force", "--volumes", id)
	return err
}

func (e *CLIEngine) run(ctx context.Context, env []string, stdin *bytes.Reader, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.binary, args...)
	if env != nil {
		cmd.Env = env
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyCLIError(err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func classifyCLIError(err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = err.Error()
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("%w: %s", ErrEngineUnavailable, msg)
	}
	for _, m := range engineMarkers {
		if strings.Contains(strings.ToLower(msg), m) {
			return fmt.Errorf("%w: %s", ErrEngineUnavailable, msg)
		}
	}
	return fmt.Errorf("%w: %s", ErrContainer, msg)
}

func parseLabels(s string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			out[strings.TrimSpace(k)] = v
		}
	}
	return out
}

func tarFiles(files []File) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := map[string]bool{}
	now := time.Now()
	for _, f := range files {
		name := strings.TrimPrefix(path.Clean(f.Path), "/")
		for dir := path.Dir(name); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	dirList := make([]string, 0, len(dirs))
	for d := range dirs {
		dirList = append(dirList, d)
	}
	sort.Strings(dirList)
	for _, d := range dirList {
		if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: d + "/", Mode: 0o755, ModTime: now}); err != nil {
			return nil, err
		}
	}
	for _, f := range files {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     strings.TrimPrefix(path.Clean(f.Path), "/"),
			Mode:     0o644,
			Size:     int64(len(f.Content)),
			ModTime:  now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
