package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/errs"
)

// ListFiles implements driver.Driver, adapted from the teacher's
// CopyFromContainer + tar-walk implementation, unchanged in shape.
func (d *Driver) ListFiles(ctx context.Context, handle, path string) ([]*driver.FileEntry, error) {
	absPath, err := d.resolvePath(ctx, handle, path)
	if err != nil {
		return nil, err
	}

	reader, _, err := d.cli.CopyFromContainer(ctx, handle, absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read path: %w", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	var entries []*driver.FileEntry

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read error: %w", err)
		}

		name := strings.TrimPrefix(header.Name, "/")
		entries = append(entries, &driver.FileEntry{
			Name:         filepath.Base(name),
			Path:         name,
			Size:         header.Size,
			Mode:         header.Mode,
			IsDir:        header.Typeflag == tar.TypeDir,
			LastModified: header.ModTime,
		})
	}

	return entries, nil
}

// PutArchive implements driver.Driver: content is written into the
// container at path via a single-entry tar stream.
func (d *Driver) PutArchive(ctx context.Context, handle, path string, content io.Reader) error {
	return d.PutArchiveFile(ctx, handle, path, content)
}

// PutArchiveFile is shared by PutArchive and Create's context-injection step.
func (d *Driver) PutArchiveFile(ctx context.Context, handle, path string, content io.Reader) error {
	absPath, err := d.resolvePath(ctx, handle, path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	header := &tar.Header{
		Name:    filepath.Base(absPath),
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("tar write header failed: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("tar write body failed: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("tar close failed: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := d.cli.CopyToContainer(ctx, handle, dir, &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("docker copy failed: %w", err)
	}
	return nil
}

// GetArchive implements driver.Driver: returns a single decoded file's
// content, stripping the tar envelope Docker's API wraps it in.
func (d *Driver) GetArchive(ctx context.Context, handle, path string) (io.ReadCloser, error) {
	absPath, err := d.resolvePath(ctx, handle, path)
	if err != nil {
		return nil, err
	}

	reader, _, err := d.cli.CopyFromContainer(ctx, handle, absPath)
	if err != nil {
		return nil, fmt.Errorf("docker copy failed: %w", err)
	}

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		reader.Close()
		return nil, fmt.Errorf("file not found in tar: %w", err)
	}

	return &tarReadCloser{tr: tr, closer: reader}, nil
}

func (d *Driver) resolvePath(ctx context.Context, handle, path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	info, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", errs.New(errs.NotFound, "sandbox not found: "+handle)
		}
		return "", err
	}
	workDir := info.Config.WorkingDir
	if workDir == "" {
		workDir = "/"
	}
	return filepath.Join(workDir, path), nil
}

type tarReadCloser struct {
	tr     *tar.Reader
	closer io.Closer
}

func (t *tarReadCloser) Read(p []byte) (int, error) { return t.tr.Read(p) }
func (t *tarReadCloser) Close() error                { return t.closer.Close() }
