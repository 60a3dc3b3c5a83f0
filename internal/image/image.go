// Package image implements the Image Root Provider: materializing a
// container image's rootfs into a temp directory so the dynamic tracer can
// chroot into it, via the native Docker API with a CLI fallback.
package image

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/sidebundle/sidebundle"
	"github.com/sidebundle/sidebundle/internal/env"
)

// mkdirTempUnderCacheRoot creates a fresh image-root extraction directory
// under env.CacheRoot rather than the system temp directory, so a large
// image's extracted filesystem lands somewhere the operator configured
// (SIDEBUNDLE_CACHE) instead of silently filling up /tmp.
func mkdirTempUnderCacheRoot() (string, error) {
	if err := os.MkdirAll(env.CacheRoot, 0o755); err != nil {
		return "", sidebundle.Io(env.CacheRoot, err)
	}
	return os.MkdirTemp(env.CacheRoot, "imageroot-")
}

// Config is the subset of an image's configuration the tracer cares about
// when it chroots into the image.
type Config struct {
	WorkingDir string
	Entrypoint []string
	Cmd        []string
	Env        []string
}

// Root is a materialized image root: a directory tree plus the image's
// declared config and a cleanup hook that removes the tree.
type Root struct {
	Reference string
	Rootfs    string
	Config    Config
	cleanup   *sidebundle.Cleanup
}

// Close fires the cleanup hook, removing the temp tree unless it was
// detached.
func (r *Root) Close() { r.cleanup.Fire() }

// Detach suppresses Close's removal, transferring ownership of Rootfs to
// the caller.
func (r *Root) Detach() { r.cleanup.Detach() }

// EmptyReferenceError is returned for a blank image reference.
type EmptyReferenceError struct{}

func (EmptyReferenceError) Error() string { return "image reference must not be empty" }

// ProviderUnavailableError is returned when neither the native-API nor the
// CLI path could prepare a root.
type ProviderUnavailableError struct {
	Backend string
	Reason  string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("image provider %s unavailable: %s", e.Backend, e.Reason)
}

// ImageNotFoundError is returned when the reference resolves to nothing.
type ImageNotFoundError struct {
	Ref     string
	Message string
}

func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("image %q not found: %s", e.Ref, e.Message)
}

// Provider prepares a chroot-able root from a container image reference.
type Provider interface {
	PrepareRoot(ctx context.Context, reference string) (*Root, error)
}

// DockerProvider implements Provider via the Docker Engine API, falling
// back to the docker CLI when the API is unreachable.
type DockerProvider struct {
	// Warnf receives a diagnostic when the preferred path fails and the
	// provider is falling through to the CLI. Nil is a valid no-op sink.
	Warnf func(format string, args ...interface{})
}

// NewDockerProvider returns a DockerProvider with no logging sink.
func NewDockerProvider() *DockerProvider {
	return &DockerProvider{Warnf: func(string, ...interface{}) {}}
}

func (p *DockerProvider) warnf(format string, args ...interface{}) {
	if p.Warnf != nil {
		p.Warnf(format, args...)
	}
}

// PrepareRoot implements Provider.
func (p *DockerProvider) PrepareRoot(ctx context.Context, reference string) (*Root, error) {
	if reference == "" {
		return nil, EmptyReferenceError{}
	}

	root, err := p.prepareViaAPI(ctx, reference)
	if err == nil {
		return root, nil
	}
	p.warnf("docker: native API path failed for %s: %v; falling back to CLI", reference, err)

	root, cliErr := p.prepareViaCLI(ctx, reference)
	if cliErr != nil {
		return nil, &ProviderUnavailableError{Backend: "docker", Reason: cliErr.Error()}
	}
	return root, nil
}

func (p *DockerProvider) prepareViaAPI(ctx context.Context, reference string) (*Root, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, sidebundle.Io("docker client", err)
	}
	defer cli.Close()

	inspect, _, err := cli.ImageInspectWithRaw(ctx, reference)
	if err != nil {
		return nil, &ImageNotFoundError{Ref: reference, Message: err.Error()}
	}

	created, err := cli.ContainerCreate(ctx, &container.Config{Image: reference}, nil, nil, nil, "")
	if err != nil {
		return nil, sidebundle.Io("container create", err)
	}
	containerCleanup := sidebundle.NewCleanup(func() {
		cli.ContainerRemove(context.Background(), created.ID, types.ContainerRemoveOptions{Force: true})
	})
	defer containerCleanup.Fire()

	rc, err := cli.ContainerExport(ctx, created.ID)
	if err != nil {
		return nil, sidebundle.Io("container export", err)
	}
	defer rc.Close()

	dir, err := mkdirTempUnderCacheRoot()
	if err != nil {
		return nil, sidebundle.Io("mkdirtemp", err)
	}
	dirCleanup := sidebundle.NewCleanup(func() { os.RemoveAll(dir) })

	if err := extractTar(rc, dir); err != nil {
		dirCleanup.Fire()
		return nil, err
	}

	cfg := Config{WorkingDir: inspect.Config.WorkingDir}
	if inspect.Config.Entrypoint != nil {
		cfg.Entrypoint = []string(inspect.Config.Entrypoint)
	}
	if inspect.Config.Cmd != nil {
		cfg.Cmd = []string(inspect.Config.Cmd)
	}
	cfg.Env = inspect.Config.Env

	return &Root{
		Reference: reference,
		Rootfs:    dir,
		Config:    cfg,
		cleanup:   dirCleanup,
	}, nil
}

func (p *DockerProvider) prepareViaCLI(ctx context.Context, reference string) (*Root, error) {
	createOut, err := exec.CommandContext(ctx, "docker", "create", reference).Output()
	if err != nil {
		return nil, sidebundle.Io("docker create", err)
	}
	containerID := firstLine(createOut)
	containerCleanup := sidebundle.NewCleanup(func() {
		exec.Command("docker", "rm", "-f", containerID).Run()
	})
	defer containerCleanup.Fire()

	dir, err := mkdirTempUnderCacheRoot()
	if err != nil {
		return nil, sidebundle.Io("mkdirtemp", err)
	}
	dirCleanup := sidebundle.NewCleanup(func() { os.RemoveAll(dir) })

	exportCmd := exec.CommandContext(ctx, "docker", "export", containerID)
	stdout, err := exportCmd.StdoutPipe()
	if err != nil {
		dirCleanup.Fire()
		return nil, sidebundle.Io("docker export", err)
	}
	if err := exportCmd.Start(); err != nil {
		dirCleanup.Fire()
		return nil, sidebundle.Io("docker export", err)
	}
	if err := extractTar(stdout, dir); err != nil {
		dirCleanup.Fire()
		return nil, err
	}
	if err := exportCmd.Wait(); err != nil {
		dirCleanup.Fire()
		return nil, sidebundle.Io("docker export", err)
	}

	inspectOut, err := exec.CommandContext(ctx, "docker", "image", "inspect", reference).Output()
	if err != nil {
		dirCleanup.Fire()
		return nil, sidebundle.Io("docker image inspect", err)
	}
	cfg := parseCLIInspect(inspectOut)

	return &Root{
		Reference: reference,
		Rootfs:    dir,
		Config:    cfg,
		cleanup:   dirCleanup,
	}, nil
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}

// parseCLIInspect decodes the subset of `docker image inspect`'s JSON array
// output this provider needs: just enough of the image's Config to let the
// tracer chroot and exec. A malformed or empty document yields a zero
// Config rather than an error, since the CLI fallback already succeeded at
// fetching the filesystem by this point.
func parseCLIInspect(raw []byte) Config {
	var parsed []struct {
		Config struct {
			WorkingDir string   `json:"WorkingDir"`
			Entrypoint []string `json:"Entrypoint"`
			Cmd        []string `json:"Cmd"`
			Env        []string `json:"Env"`
		} `json:"Config"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || len(parsed) == 0 {
		return Config{}
	}
	c := parsed[0].Config
	return Config{
		WorkingDir: c.WorkingDir,
		Entrypoint: c.Entrypoint,
		Cmd:        c.Cmd,
		Env:        c.Env,
	}
}

// extractTar unpacks r into dir, preserving regular files, directories and
// symlinks with their recorded modes.
func extractTar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return sidebundle.Io("tar", err)
		}

		target := filepath.Join(dir, filepath.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return sidebundle.Io(target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return sidebundle.Io(target, err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return sidebundle.Io(target, err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return sidebundle.Io(target, err)
			}
			f.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return sidebundle.Io(target, err)
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return sidebundle.Io(target, err)
			}
		default:
			// Device nodes, fifos etc. are not meaningful for a chroot used
			// only to scope trace recording.
		}
	}
}
