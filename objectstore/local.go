package objectstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/dna-network/dna/dnaerr"
)

// LocalStore is a filesystem-backed Store, used for single-node deployments
// and as the default backend under test. A real deployment would plug in an
// S3 or Azure Blob client behind the same Store interface; those SDKs are
// explicitly out of spec.md's scope (§1).
//
// ETags are synthetic: the xxhash64 of the object body, hex-encoded. This
// satisfies the compare-and-swap contract (same body -> same ETag) without
// depending on a particular backend's versioning scheme.
type LocalStore struct {
	root string

	mu sync.Mutex // serializes read-modify-write of a single path's ETag
}

// NewLocalStore creates a LocalStore rooted at dir, creating it if absent.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, dnaerr.Configuration("objectstore: empty root directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "objectstore: create root directory")
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) abs(path string) (string, error) {
	clean := filepath.Clean("/" + path)
	if clean == "/" || strings.Contains(clean, "..") {
		return "", dnaerr.InvalidArgument("objectstore: invalid path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}

func etagOf(body []byte) string {
	h := xxhash.Sum64(body)
	return strconv.FormatUint(h, 16)
}

func (s *LocalStore) Get(_ context.Context, path string, opts GetOptions) (GetResult, error) {
	abs, err := s.abs(path)
	if err != nil {
		return GetResult{}, err
	}
	body, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return GetResult{}, dnaerr.NotFound("objectstore: %s", path)
		}
		return GetResult{}, dnaerr.Transient(err, "objectstore: read %s", path)
	}
	etag := etagOf(body)
	if opts.ETag != "" && opts.ETag == etag {
		return GetResult{}, dnaerr.NotModified("objectstore: %s", path)
	}
	return GetResult{ETag: etag, Body: body}, nil
}

func (s *LocalStore) GetReader(ctx context.Context, path string, opts GetOptions) (io.ReadCloser, string, error) {
	res, err := s.Get(ctx, path, opts)
	if err != nil {
		return nil, "", err
	}
	return io.NopCloser(bytes.NewReader(res.Body)), res.ETag, nil
}

func (s *LocalStore) Put(_ context.Context, path string, body []byte, opts PutOptions) (PutResult, error) {
	abs, err := s.abs(path)
	if err != nil {
		return PutResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, readErr := os.ReadFile(abs)
	exists := readErr == nil
	if readErr != nil && !os.IsNotExist(readErr) {
		return PutResult{}, dnaerr.Transient(readErr, "objectstore: stat %s", path)
	}

	switch opts.Mode {
	case ModeCreate:
		if exists {
			return PutResult{}, dnaerr.Precondition("objectstore: %s already exists", path)
		}
	case ModeUpdate:
		if !exists {
			return PutResult{}, dnaerr.Precondition("objectstore: %s does not exist, cannot update", path)
		}
		currentETag := etagOf(existing)
		if currentETag != opts.ETag {
			return PutResult{}, dnaerr.Precondition("objectstore: %s etag mismatch: have=%s want=%s", path, currentETag, opts.ETag)
		}
	case ModeOverwrite:
		// no precondition
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return PutResult{}, errors.Wrap(err, "objectstore: mkdir")
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return PutResult{}, errors.Wrap(err, "objectstore: write temp file")
	}
	if err := os.Rename(tmp, abs); err != nil {
		return PutResult{}, errors.Wrap(err, "objectstore: rename temp file")
	}
	return PutResult{ETag: etagOf(body)}, nil
}

func (s *LocalStore) Delete(_ context.Context, path string) error {
	abs, err := s.abs(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return dnaerr.Transient(err, "objectstore: delete %s", path)
	}
	return nil
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	absPrefix, err := s.abs(prefix)
	if err != nil && prefix != "" {
		return nil, err
	}
	if prefix == "" {
		absPrefix = s.root
	}

	var out []string
	walkRoot := absPrefix
	if fi, statErr := os.Stat(absPrefix); statErr != nil || !fi.IsDir() {
		walkRoot = filepath.Dir(absPrefix)
	}
	err = filepath.Walk(walkRoot, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, dnaerr.Transient(err, "objectstore: list %s", prefix)
	}
	sort.Strings(out)
	return out, nil
}
