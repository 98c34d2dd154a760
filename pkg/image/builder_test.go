package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hutchlabs/hutch/pkg/runtime"
	"github.com/hutchlabs/hutch/pkg/types"
)

type fakeRunner struct {
	mu    sync.Mutex
	fn    func(name string, args []string) (runtime.Output, error)
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (runtime.Output, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	return f.fn(name, args)
}

func (f *fakeRunner) buildCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if len(call) > 1 && call[1] == "build" {
			n++
		}
	}
	return n
}

// buildEnv scripts a docker engine whose image store is the imageID map,
// keyed by tag. A build registers the tag with the given next ID.
type buildEnv struct {
	mu      sync.Mutex
	images  map[string]string
	nextID  string
	failure string
}

func (e *buildEnv) respond(name string, args []string) (runtime.Output, error) {
	if name != "docker" {
		return runtime.Output{ExitCode: 1}, fmt.Errorf("failed to run %s: not found", name)
	}
	switch args[0] {
	case "--version":
		return runtime.Output{Stdout: "Docker version 27.3.1, build ce12230"}, nil
	case "info":
		return runtime.Output{Stdout: "ok"}, nil
	case "image":
		// image inspect <tag> --format ...
		e.mu.Lock()
		id, ok := e.images[args[2]]
		e.mu.Unlock()
		if !ok {
			return runtime.Output{ExitCode: 1, Stderr: "Error: No such image: " + args[2]}, nil
		}
		return runtime.Output{Stdout: id + "|2024-01-01T10:00:00Z|1048576\n"}, nil
	case "build":
		if e.failure != "" {
			return runtime.Output{ExitCode: 1, Stderr: e.failure}, nil
		}
		tag := ""
		for i, a := range args {
			if a == "-t" && i+1 < len(args) {
				tag = args[i+1]
			}
		}
		e.mu.Lock()
		e.images[tag] = e.nextID
		e.mu.Unlock()
		return runtime.Output{Stdout: "Successfully built"}, nil
	}
	return runtime.Output{ExitCode: 1, Stderr: "unexpected verb " + args[0]}, nil
}

func newBuildEnv() *buildEnv {
	return &buildEnv{images: make(map[string]string), nextID: "sha256:first"}
}

func testBuilder(t *testing.T, env *buildEnv) (*Builder, *fakeRunner, string) {
	t.Helper()
	root := t.TempDir()
	runner := &fakeRunner{fn: env.respond}
	detector := runtime.NewDetector(runner)
	builder := NewBuilder(runner, detector, root, types.RuntimeDocker)
	return builder, runner, root
}

func writeDockerfile(t *testing.T, root, content string) string {
	t.Helper()
	path := filepath.Join(root, "Dockerfile")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBuildThenReuse(t *testing.T) {
	env := newBuildEnv()
	builder, runner, root := testBuilder(t, env)
	writeDockerfile(t, root, "FROM alpine\n")

	first := builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile"})
	require.True(t, first.Success, first.Error)
	assert.True(t, first.Rebuilt)
	require.NotNil(t, first.Image)
	assert.Equal(t, "sha256:first", first.Image.ID)

	// Unchanged Dockerfile and live image: no second runtime build
	second := builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile"})
	require.True(t, second.Success, second.Error)
	assert.False(t, second.Rebuilt)
	assert.Equal(t, 1, runner.buildCount())
}

func TestBuildRebuildsOnDockerfileChange(t *testing.T) {
	env := newBuildEnv()
	builder, runner, root := testBuilder(t, env)
	writeDockerfile(t, root, "FROM alpine\n")

	require.True(t, builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile"}).Success)

	env.nextID = "sha256:second"
	writeDockerfile(t, root, "FROM alpine\nRUN apk add git\n")

	result := builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile"})
	require.True(t, result.Success, result.Error)
	assert.True(t, result.Rebuilt)
	assert.Equal(t, "sha256:second", result.Image.ID)
	assert.Equal(t, 2, runner.buildCount())
}

func TestBuildRebuildsWhenImageGone(t *testing.T) {
	env := newBuildEnv()
	builder, runner, root := testBuilder(t, env)
	writeDockerfile(t, root, "FROM alpine\n")

	require.True(t, builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile"}).Success)

	// The cache entry is intact but someone pruned the runtime image
	env.mu.Lock()
	env.images = make(map[string]string)
	env.mu.Unlock()

	result := builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile"})
	require.True(t, result.Success, result.Error)
	assert.True(t, result.Rebuilt)
	assert.Equal(t, 2, runner.buildCount())
}

func TestBuildForceRebuild(t *testing.T) {
	env := newBuildEnv()
	builder, runner, root := testBuilder(t, env)
	writeDockerfile(t, root, "FROM alpine\n")

	require.True(t, builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile"}).Success)

	result := builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile", ForceRebuild: true})
	require.True(t, result.Success)
	assert.True(t, result.Rebuilt)
	assert.Equal(t, 2, runner.buildCount())
}

func TestBuildFailure(t *testing.T) {
	env := newBuildEnv()
	env.failure = "ERROR: failed to solve: alpine: not found"
	builder, _, root := testBuilder(t, env)
	writeDockerfile(t, root, "FROM alpine\n")

	result := builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "image build failed")
	assert.Contains(t, result.Output, "failed to solve")
}

func TestBuildMissingDockerfile(t *testing.T) {
	builder, _, _ := testBuilder(t, newBuildEnv())

	result := builder.Build(context.Background(), BuildConfig{Dockerfile: "nope/Dockerfile"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "failed to read Dockerfile")
}

func TestBuildPassesOptions(t *testing.T) {
	env := newBuildEnv()
	builder, runner, root := testBuilder(t, env)
	writeDockerfile(t, root, "FROM alpine\n")

	result := builder.Build(context.Background(), BuildConfig{
		Dockerfile: "Dockerfile",
		Tag:        "custom-tag",
		BuildArgs:  map[string]string{"VERSION": "1.2"},
		Target:     "runtime",
		Platform:   "linux/amd64",
		NoCache:    true,
	})
	require.True(t, result.Success, result.Error)

	var buildCall []string
	runner.mu.Lock()
	for _, call := range runner.calls {
		if len(call) > 1 && call[1] == "build" {
			buildCall = call
		}
	}
	runner.mu.Unlock()
	require.NotNil(t, buildCall)
	assert.Contains(t, buildCall, "custom-tag")
	assert.Contains(t, buildCall, "VERSION=1.2")
	assert.Contains(t, buildCall, "--target")
	assert.Contains(t, buildCall, "--platform")
	assert.Contains(t, buildCall, "--no-cache")
}

func TestBuildSurvivesBrokenCache(t *testing.T) {
	env := newBuildEnv()
	builder, _, root := testBuilder(t, env)
	writeDockerfile(t, root, "FROM alpine\n")

	cachePath := builder.Cache().Path()
	require.NoError(t, os.MkdirAll(filepath.Dir(cachePath), 0755))
	require.NoError(t, os.WriteFile(cachePath, []byte("{corrupt"), 0644))

	result := builder.Build(context.Background(), BuildConfig{Dockerfile: "Dockerfile"})
	require.True(t, result.Success, result.Error)
	assert.True(t, result.Rebuilt)
}

func TestDefaultTagDeterministic(t *testing.T) {
	a := DefaultTag("/proj", "/proj/Dockerfile")
	b := DefaultTag("/proj", "/proj/Dockerfile")
	c := DefaultTag("/proj", "/proj/other/Dockerfile")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "hutch-build-")
}

func TestDockerfileHash(t *testing.T) {
	assert.Equal(t, DockerfileHash([]byte("FROM alpine\n")), DockerfileHash([]byte("FROM alpine\n")))
	assert.NotEqual(t, DockerfileHash([]byte("FROM alpine\n")), DockerfileHash([]byte("FROM debian\n")))
	assert.Len(t, DockerfileHash(nil), 64)
}
