package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hutchlabs/hutch/pkg/log"
	"github.com/hutchlabs/hutch/pkg/metrics"
	"github.com/hutchlabs/hutch/pkg/runtime"
	"github.com/hutchlabs/hutch/pkg/types"
)

const (
	// defaultBuildTimeout bounds a single runtime build invocation
	defaultBuildTimeout = 10 * time.Minute

	// inspectTimeout bounds image inspect calls
	inspectTimeout = 30 * time.Second

	// tagPrefix namespaces tags derived for workspace builds
	tagPrefix = "hutch-build"
)

// BuildConfig describes one image build request
type BuildConfig struct {
	Dockerfile   string
	ContextDir   string
	Tag          string // derived deterministically when empty
	BuildArgs    map[string]string
	Target       string
	Platform     string
	NoCache      bool
	ForceRebuild bool
}

// Info describes an image as reported by the runtime
type Info struct {
	Tag       string
	ID        string
	CreatedAt time.Time
	SizeBytes int64
}

// BuildResult is the outcome of a build-or-reuse request
type BuildResult struct {
	Success         bool
	Image           *Info
	Error           string
	Rebuilt         bool
	BuildDurationMs int64
	Output          string
}

// Builder builds images keyed by a content hash of the Dockerfile, with a
// persisted cache recording prior builds.
type Builder struct {
	runner      runtime.Runner
	detector    *runtime.Detector
	preferred   types.RuntimeKind
	projectRoot string
	cache       *Cache
	timeout     time.Duration
	logger      zerolog.Logger

	// Concurrent builds for the same tag would race the cache-miss check
	// and each invoke the runtime build; the per-tag lock excludes that
	// in-process.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewBuilder creates a builder rooted at projectRoot. The cache lives at
// <projectRoot>/.hutch/image-cache.json.
func NewBuilder(runner runtime.Runner, detector *runtime.Detector, projectRoot string, preferred types.RuntimeKind) *Builder {
	return &Builder{
		runner:      runner,
		detector:    detector,
		preferred:   preferred,
		projectRoot: projectRoot,
		cache:       NewCache(filepath.Join(projectRoot, ".hutch", "image-cache.json")),
		timeout:     defaultBuildTimeout,
		logger:      log.WithComponent("image-builder"),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Cache exposes the persisted build cache
func (b *Builder) Cache() *Cache {
	return b.cache
}

// DockerfileHash returns the SHA-256 digest of a Dockerfile's content
func DockerfileHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DefaultTag derives a deterministic tag from the project root and the
// Dockerfile path, so repeated builds of the same combination reuse it.
func DefaultTag(projectRoot, dockerfilePath string) string {
	sum := sha256.Sum256([]byte(projectRoot + "\x00" + dockerfilePath))
	return fmt.Sprintf("%s-%s", tagPrefix, hex.EncodeToString(sum[:])[:12])
}

// Build resolves the Dockerfile, consults the cache, and either reuses the
// prior image or invokes the runtime build. Cache read/write failures are
// fatal to the cache operation only, never to the build.
func (b *Builder) Build(ctx context.Context, cfg BuildConfig) BuildResult {
	kind := b.detector.Best(b.preferred)
	if kind == types.RuntimeNone {
		return BuildResult{Error: "no container runtime available"}
	}

	dockerfile := cfg.Dockerfile
	if !filepath.IsAbs(dockerfile) {
		dockerfile = filepath.Join(b.projectRoot, dockerfile)
	}
	contextDir := cfg.ContextDir
	if contextDir == "" {
		contextDir = filepath.Dir(dockerfile)
	} else if !filepath.IsAbs(contextDir) {
		contextDir = filepath.Join(b.projectRoot, contextDir)
	}

	content, err := os.ReadFile(dockerfile)
	if err != nil {
		return BuildResult{Error: fmt.Sprintf("failed to read Dockerfile %s: %v", dockerfile, err)}
	}
	hash := DockerfileHash(content)

	tag := cfg.Tag
	if tag == "" {
		tag = DefaultTag(b.projectRoot, dockerfile)
	}

	lock := b.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	entries, err := b.cache.Load()
	if err != nil {
		// A broken cache must fall through to rebuild, not abort the build
		b.logger.Warn().Err(err).Msg("image cache unreadable, rebuilding")
		entries = make(map[string]*CacheEntry)
	}

	if !cfg.ForceRebuild {
		if entry, ok := entries[tag]; ok && entry.DockerfileHash == hash {
			if info := b.Inspect(ctx, kind, tag); info != nil && info.ID == entry.ImageID {
				entry.LastAccessed = time.Now()
				if err := b.cache.Save(entries); err != nil {
					b.logger.Warn().Err(err).Msg("failed to refresh cache access time")
				}
				metrics.BuildsTotal.WithLabelValues("hit").Inc()
				b.logger.Debug().Str("tag", tag).Msg("image cache hit, skipping build")
				return BuildResult{Success: true, Image: info, Rebuilt: false}
			}
			// Digest matched but the runtime image is gone or replaced
			delete(entries, tag)
		} else if ok {
			// Dockerfile changed since the recorded build
			delete(entries, tag)
		}
	}

	args := []string{"build", "-f", dockerfile, "-t", tag}
	for k, v := range cfg.BuildArgs {
		args = append(args, "--build-arg", k+"="+v)
	}
	if cfg.Target != "" {
		args = append(args, "--target", cfg.Target)
	}
	if cfg.Platform != "" {
		args = append(args, "--platform", cfg.Platform)
	}
	if cfg.NoCache {
		args = append(args, "--no-cache")
	}
	args = append(args, contextDir)

	b.logger.Info().Str("tag", tag).Str("dockerfile", dockerfile).Msg("building image")

	start := time.Now()
	out, runErr := b.runner.Run(ctx, b.timeout, string(kind), args...)
	durationMs := time.Since(start).Milliseconds()
	buildOutput := out.Stdout + out.Stderr

	if runErr != nil || out.ExitCode != 0 {
		metrics.BuildsTotal.WithLabelValues("failed").Inc()
		errMsg := fmt.Sprintf("image build failed (exit %d)", out.ExitCode)
		if runErr != nil {
			errMsg = fmt.Sprintf("image build failed: %v", runErr)
		}
		return BuildResult{
			Error:           errMsg,
			Output:          buildOutput,
			BuildDurationMs: durationMs,
		}
	}

	info := b.Inspect(ctx, kind, tag)
	if info == nil {
		metrics.BuildsTotal.WithLabelValues("failed").Inc()
		return BuildResult{
			Error:           fmt.Sprintf("image %s not found after successful build", tag),
			Output:          buildOutput,
			BuildDurationMs: durationMs,
		}
	}

	now := time.Now()
	entries[tag] = &CacheEntry{
		ImageTag:        tag,
		DockerfileHash:  hash,
		DockerfilePath:  dockerfile,
		ImageID:         info.ID,
		ImageSizeBytes:  info.SizeBytes,
		BuildDurationMs: durationMs,
		BuildTimestamp:  now,
		BuildContext:    contextDir,
		LastAccessed:    now,
	}
	if err := b.cache.Save(entries); err != nil {
		b.logger.Warn().Err(err).Msg("failed to persist image cache entry")
	}

	metrics.BuildsTotal.WithLabelValues("rebuilt").Inc()
	metrics.BuildDuration.Observe(float64(durationMs) / 1000)

	return BuildResult{
		Success:         true,
		Image:           info,
		Rebuilt:         true,
		BuildDurationMs: durationMs,
		Output:          buildOutput,
	}
}

// Inspect returns image details by tag, or nil if the runtime does not
// know the image.
func (b *Builder) Inspect(ctx context.Context, kind types.RuntimeKind, tag string) *Info {
	out, err := b.runner.Run(ctx, inspectTimeout, string(kind),
		"image", "inspect", tag, "--format", "{{.Id}}|{{.Created}}|{{.Size}}")
	if err != nil || out.ExitCode != 0 {
		return nil
	}

	fields := strings.Split(strings.TrimSpace(out.Stdout), "|")
	if len(fields) != 3 || fields[0] == "" {
		return nil
	}

	info := &Info{Tag: tag, ID: fields[0]}
	if t, err := time.Parse(time.RFC3339Nano, fields[1]); err == nil {
		info.CreatedAt = t
	}
	if size, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
		info.SizeBytes = size
	}
	return info
}

// Remove deletes an image by tag via the runtime
func (b *Builder) Remove(ctx context.Context, tag string, force bool) error {
	kind := b.detector.Best(b.preferred)
	if kind == types.RuntimeNone {
		return fmt.Errorf("no container runtime available")
	}

	args := []string{"rmi"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, tag)

	out, err := b.runner.Run(ctx, inspectTimeout, string(kind), args...)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("failed to remove image %s: %s", tag, strings.TrimSpace(out.Stderr))
	}
	return nil
}

func (b *Builder) tagLock(tag string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	if lock, ok := b.locks[tag]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	b.locks[tag] = lock
	return lock
}
