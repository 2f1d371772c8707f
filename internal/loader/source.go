package loader

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/objectfs/imagecache/pkg/errors"
	"github.com/objectfs/imagecache/pkg/utils"
)

// Source opens encoded images by id.
type Source interface {
	Open(id string) (io.ReadCloser, error)
}

// DirSource serves image files below a root directory. Ids are slash
// separated paths relative to the root.
type DirSource struct {
	root string
}

// NewDirSource returns a source rooted at dir, which must exist.
func NewDirSource(dir string) (*DirSource, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeSourceNotFound, "source directory not accessible").
			WithComponent("loader").
			WithCause(err)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.ErrCodePathInvalid, "source %s is not a directory", dir).
			WithComponent("loader")
	}
	return &DirSource{root: filepath.Clean(dir)}, nil
}

// Root returns the source directory
func (s *DirSource) Root() string {
	return s.root
}

// Open opens the file for id. Ids that escape the root are rejected.
func (s *DirSource) Open(id string) (io.ReadCloser, error) {
	if err := utils.ValidatePath(id, false); err != nil {
		return nil, errors.NewError(errors.ErrCodePathInvalid, "invalid image id").
			WithComponent("loader").
			WithOperation("open").
			WithCause(err)
	}

	path, err := utils.SecureJoin(s.root, filepath.FromSlash(id))
	if err != nil {
		return nil, errors.NewError(errors.ErrCodePathInvalid, "invalid image id").
			WithComponent("loader").
			WithOperation("open").
			WithCause(err)
	}

	file, err := os.Open(path)
	if err != nil {
		code := errors.ErrCodeIOFailure
		if os.IsNotExist(err) {
			code = errors.ErrCodeSourceNotFound
		}
		return nil, errors.NewError(code, "failed to open source image").
			WithComponent("loader").
			WithOperation("open").
			WithDetail("id", id).
			WithCause(err)
	}
	return file, nil
}

// List returns the ids of all regular files below the root, sorted. Hidden
// files and directories are skipped.
func (s *DirSource) List() ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != s.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeIOFailure, "failed to list source directory").
			WithComponent("loader").
			WithOperation("list").
			WithCause(err)
	}
	sort.Strings(ids)
	return ids, nil
}
