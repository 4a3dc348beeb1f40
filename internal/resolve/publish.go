package resolve

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"go.uber.org/multierr"
)

// errPublishCollision is returned by publish if the destination already exists
var errPublishCollision = errors.New("destination already exists")

// publish moves the staged file in to the shared directory under the name
// provided, without ever replacing an existing file. The move is atomic: the
// destination either appears complete, or not at all. The returned path is
// the location of the published file.
//
// A hard link is used so that an existing destination causes the operation to
// fail (rather than be replaced, as with rename). If the staging directory and
// shared directory do not share a file system, the file is first copied to a
// temporary file inside the shared directory and linked from there.
func publish(stagedPath string, sharedDir string, name string) (string, error) {
	dest := filepath.Join(sharedDir, name)
	if err := os.MkdirAll(filepath.Dir(dest), os.ModePerm); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}

	err := os.Link(stagedPath, dest)
	if err == nil {
		os.Remove(stagedPath)
		return dest, nil
	}
	if errors.Is(err, os.ErrExist) {
		return "", errPublishCollision
	}
	if !isLinkUnsupported(err) {
		return "", fmt.Errorf("failed to publish %s: %w", stagedPath, err)
	}

	tmp, err := copyToTemp(stagedPath, filepath.Dir(dest))
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, dest); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", errPublishCollision
		}

		return "", fmt.Errorf("failed to publish %s: %w", stagedPath, err)
	}

	os.Remove(stagedPath)
	return dest, nil
}

func isLinkUnsupported(err error) bool {
	return errors.Is(err, syscall.EXDEV) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.ENOTSUP)
}

// copyToTemp copies the source file to a hidden temporary file inside
// of the directory provided, returning the path of the copy.
func copyToTemp(src string, dir string) (path string, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, ".harmony-publish-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary publish file: %w", err)
	}
	defer func() {
		err = multierr.Append(err, out.Close())
		if err != nil {
			os.Remove(out.Name())
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return "", fmt.Errorf("failed to copy %s to shared directory: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		return "", err
	}

	return out.Name(), nil
}
