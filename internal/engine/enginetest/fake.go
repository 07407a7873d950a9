// Package enginetest provides an in-memory engine.API for tests.
package enginetest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/midoriiro/pipewire-client/testenv/internal/engine"
)

// DefaultBuildOutput is a successful build stream
const DefaultBuildOutput = `{"stream":"Step 1/2 : FROM scratch\n"}
{"stream":" ---> Running in 0123456789ab\n"}
{"aux":{"ID":"sha256:4f53cda18c2baa0c0354bb5f9a3ecbe5ed12ab4d8e11ba873c2f11161202b945"}}
{"stream":"Successfully built 4f53cda18c2b\n"}
`

// Container is the fake's record of a created container
type Container struct {
	ID         string
	Name       string
	Config     *container.Config
	HostConfig *container.HostConfig
	Running    bool
	Top        container.TopResponse
	Logs       []LogEntry
}

// LogEntry is one line a fake container has written
type LogEntry struct {
	Time    time.Time
	Stderr  bool
	Message string
}

// Upload records a CopyToContainer call
type Upload struct {
	ContainerID string
	Path        string
	Archive     []byte
	Options     container.CopyToContainerOptions
}

// ExecResult is what a fake exec writes and returns
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type execRecord struct {
	containerID string
	cmd         []string
	exitCode    int
}

// Fake implements engine.API in memory. Exported fields configure behaviour
// and may be set before the fake is shared with the code under test.
type Fake struct {
	// Fail makes the named method return the error, e.g. Fail["ContainerList"]
	Fail map[string]error
	// InspectFunc overrides ContainerInspect when set
	InspectFunc func(id string, call int) (container.InspectResponse, error)
	// ExecFunc produces the output of an attached exec
	ExecFunc func(containerID string, cmd []string) ExecResult
	// BuildOutput is streamed back by ImageBuild
	BuildOutput string

	mu           sync.Mutex
	containers   map[string]*Container
	order        []string
	execs        map[string]*execRecord
	images       map[string]image.InspectResponse
	nextID       int
	inspectCalls map[string]int
	calls        []string

	Builds        []build.ImageBuildOptions
	BuildContexts [][]byte
	Uploads       []Upload
	StopTimeouts  []int
	Closed        bool
}

var _ engine.API = (*Fake)(nil)

// New creates an empty fake engine
func New() *Fake {
	return &Fake{
		Fail:         make(map[string]error),
		BuildOutput:  DefaultBuildOutput,
		containers:   make(map[string]*Container),
		execs:        make(map[string]*execRecord),
		images:       make(map[string]image.InspectResponse),
		inspectCalls: make(map[string]int),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("No such %s: %s: %w", kind, id, errdefs.ErrNotFound)
}

// record logs the call and returns the configured failure, if any.
// Must be called with the lock held.
func (f *Fake) record(method, id string) error {
	if id != "" {
		f.calls = append(f.calls, method+" "+id)
	} else {
		f.calls = append(f.calls, method)
	}
	return f.Fail[method]
}

func (f *Fake) newID() string {
	f.nextID++
	return strings.Repeat(fmt.Sprintf("%08x", f.nextID), 8)
}

// AddContainer registers a container as if it had been created earlier
func (f *Fake) AddContainer(c *Container) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = f.newID()
	}
	if c.Config == nil {
		c.Config = &container.Config{}
	}
	f.containers[c.ID] = c
	f.order = append(f.order, c.ID)
	return c.ID
}

// Container returns a copy of a container's record
func (f *Fake) Container(id string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// ContainerCount returns the number of existing containers
func (f *Fake) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Calls returns every recorded call as "Method id"
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount counts recorded calls of method
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method || strings.HasPrefix(c, method+" ") {
			n++
		}
	}
	return n
}

// AddImage registers an image under ref
func (f *Fake) AddImage(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = image.InspectResponse{ID: "sha256:" + f.newID(), RepoTags: []string{ref}}
}

func hasLabels(labels map[string]string, want []string) bool {
	for _, w := range want {
		k, v, _ := strings.Cut(w, "=")
		got, ok := labels[k]
		if !ok || (v != "" && got != v) {
			return false
		}
	}
	return true
}

func (f *Fake) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerList", ""); err != nil {
		return nil, err
	}

	want := options.Filters.Get("label")
	var out []container.Summary
	for _, id := range f.order {
		c, ok := f.containers[id]
		if !ok || !hasLabels(c.Config.Labels, want) {
			continue
		}
		if !options.All && !c.Running {
			continue
		}
		s := container.Summary{
			ID:     c.ID,
			Image:  c.Config.Image,
			Labels: c.Config.Labels,
		}
		if c.Name != "" {
			s.Names = []string{"/" + c.Name}
		}
		if c.Running {
			s.State = "running"
		} else {
			s.State = "exited"
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *Fake) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerCreate", containerName); err != nil {
		return container.CreateResponse{}, err
	}
	id := f.newID()
	f.containers[id] = &Container{ID: id, Name: containerName, Config: config, HostConfig: hostConfig}
	f.order = append(f.order, id)
	return container.CreateResponse{ID: id}, nil
}

func (f *Fake) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerStart", containerID); err != nil {
		return err
	}
	c, ok := f.containers[containerID]
	if !ok {
		return notFound("container", containerID)
	}
	c.Running = true
	return nil
}

func (f *Fake) ContainerStop(_ context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerStop", containerID); err != nil {
		return err
	}
	if options.Timeout != nil {
		f.StopTimeouts = append(f.StopTimeouts, *options.Timeout)
	}
	c, ok := f.containers[containerID]
	if !ok {
		return notFound("container", containerID)
	}
	c.Running = false
	return nil
}

func (f *Fake) ContainerRestart(_ context.Context, containerID string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerRestart", containerID); err != nil {
		return err
	}
	c, ok := f.containers[containerID]
	if !ok {
		return notFound("container", containerID)
	}
	if options.Timeout == nil || *options.Timeout != 0 {
		return fmt.Errorf("restart of %s expected a zero timeout", containerID)
	}
	c.Running = true
	return nil
}

func (f *Fake) ContainerRemove(_ context.Context, containerID string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerRemove", containerID); err != nil {
		return err
	}
	c, ok := f.containers[containerID]
	if !ok {
		return notFound("container", containerID)
	}
	if c.Running && !options.Force {
		return fmt.Errorf("cannot remove container %s: container is running", containerID)
	}
	delete(f.containers, containerID)
	return nil
}

// InspectCalls returns how many times id was inspected
func (f *Fake) InspectCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inspectCalls[id]
}

func (f *Fake) ContainerInspect(_ context.Context, containerID string) (container.InspectResponse, error) {
	f.mu.Lock()
	if err := f.record("ContainerInspect", containerID); err != nil {
		f.mu.Unlock()
		return container.InspectResponse{}, err
	}
	f.inspectCalls[containerID]++
	call := f.inspectCalls[containerID]
	hook := f.InspectFunc
	c, ok := f.containers[containerID]
	var snapshot Container
	if ok {
		snapshot = *c
	}
	f.mu.Unlock()

	if hook != nil {
		return hook(containerID, call)
	}
	if !ok {
		return container.InspectResponse{}, notFound("container", containerID)
	}

	state := &container.State{Running: snapshot.Running}
	if snapshot.Running {
		state.Status = "running"
	} else {
		state.Status = "exited"
	}
	if snapshot.Config.Healthcheck != nil {
		state.Health = &container.Health{Status: "healthy"}
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         snapshot.ID,
			Name:       "/" + snapshot.Name,
			Image:      snapshot.Config.Image,
			State:      state,
			HostConfig: snapshot.HostConfig,
		},
		Config: snapshot.Config,
	}, nil
}

func (f *Fake) ContainerTop(_ context.Context, containerID string, _ []string) (container.TopResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerTop", containerID); err != nil {
		return container.TopResponse{}, err
	}
	c, ok := f.containers[containerID]
	if !ok {
		return container.TopResponse{}, notFound("container", containerID)
	}
	return c.Top, nil
}

func (f *Fake) ContainerLogs(_ context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerLogs", containerID); err != nil {
		return nil, err
	}
	c, ok := f.containers[containerID]
	if !ok {
		return nil, notFound("container", containerID)
	}

	entries := c.Logs
	if options.Tail != "" && options.Tail != "all" {
		n, err := strconv.Atoi(options.Tail)
		if err != nil {
			return nil, fmt.Errorf("invalid tail %q: %w", options.Tail, err)
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}

	var frames bytes.Buffer
	for _, e := range entries {
		if (e.Stderr && !options.ShowStderr) || (!e.Stderr && !options.ShowStdout) {
			continue
		}
		stream := stdcopy.Stdout
		if e.Stderr {
			stream = stdcopy.Stderr
		}
		line := e.Message + "\n"
		if options.Timestamps {
			line = e.Time.UTC().Format(time.RFC3339Nano) + " " + line
		}
		if _, err := stdcopy.NewStdWriter(&frames, stream).Write([]byte(line)); err != nil {
			return nil, err
		}
	}
	return io.NopCloser(&frames), nil
}

func (f *Fake) CopyToContainer(_ context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error {
	data, readErr := io.ReadAll(content)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CopyToContainer", containerID); err != nil {
		return err
	}
	if readErr != nil {
		return readErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return notFound("container", containerID)
	}
	f.Uploads = append(f.Uploads, Upload{ContainerID: containerID, Path: dstPath, Archive: data, Options: options})
	return nil
}

func (f *Fake) ContainerExecCreate(_ context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerExecCreate", containerID); err != nil {
		return container.ExecCreateResponse{}, err
	}
	if _, ok := f.containers[containerID]; !ok {
		return container.ExecCreateResponse{}, notFound("container", containerID)
	}
	id := f.newID()
	f.execs[id] = &execRecord{containerID: containerID, cmd: options.Cmd}
	return container.ExecCreateResponse{ID: id}, nil
}

func (f *Fake) ContainerExecStart(_ context.Context, execID string, _ container.ExecStartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerExecStart", execID); err != nil {
		return err
	}
	if _, ok := f.execs[execID]; !ok {
		return notFound("exec instance", execID)
	}
	return nil
}

func (f *Fake) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	if err := f.record("ContainerExecAttach", execID); err != nil {
		f.mu.Unlock()
		return types.HijackedResponse{}, err
	}
	rec, ok := f.execs[execID]
	hook := f.ExecFunc
	f.mu.Unlock()
	if !ok {
		return types.HijackedResponse{}, notFound("exec instance", execID)
	}

	var res ExecResult
	if hook != nil {
		res = hook(rec.containerID, rec.cmd)
	}

	f.mu.Lock()
	rec.exitCode = res.ExitCode
	f.mu.Unlock()

	var frames bytes.Buffer
	if res.Stdout != "" {
		if _, err := stdcopy.NewStdWriter(&frames, stdcopy.Stdout).Write([]byte(res.Stdout)); err != nil {
			return types.HijackedResponse{}, err
		}
	}
	if res.Stderr != "" {
		if _, err := stdcopy.NewStdWriter(&frames, stdcopy.Stderr).Write([]byte(res.Stderr)); err != nil {
			return types.HijackedResponse{}, err
		}
	}

	conn, peer := net.Pipe()
	_ = peer.Close()
	return types.HijackedResponse{
		Conn:   conn,
		Reader: bufio.NewReader(&frames),
	}, nil
}

func (f *Fake) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ContainerExecInspect", execID); err != nil {
		return container.ExecInspect{}, err
	}
	rec, ok := f.execs[execID]
	if !ok {
		return container.ExecInspect{}, notFound("exec instance", execID)
	}
	return container.ExecInspect{
		ExecID:      execID,
		ContainerID: rec.containerID,
		ExitCode:    rec.exitCode,
	}, nil
}

func (f *Fake) ImageBuild(_ context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	data, readErr := io.ReadAll(buildContext)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImageBuild", strings.Join(options.Tags, ",")); err != nil {
		return build.ImageBuildResponse{}, err
	}
	if readErr != nil {
		return build.ImageBuildResponse{}, readErr
	}

	f.Builds = append(f.Builds, options)
	f.BuildContexts = append(f.BuildContexts, data)
	if !strings.Contains(f.BuildOutput, `"error"`) {
		for _, tag := range options.Tags {
			f.images[tag] = image.InspectResponse{ID: "sha256:" + f.newID(), RepoTags: []string{tag}}
		}
	}
	return build.ImageBuildResponse{
		Body:   io.NopCloser(strings.NewReader(f.BuildOutput)),
		OSType: "linux",
	}, nil
}

func (f *Fake) ImageInspect(_ context.Context, imageID string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ImageInspect", imageID); err != nil {
		return image.InspectResponse{}, err
	}
	img, ok := f.images[imageID]
	if !ok {
		return image.InspectResponse{}, notFound("image", imageID)
	}
	return img, nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}
