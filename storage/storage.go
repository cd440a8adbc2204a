// Package storage persists subscribers, notified listings and processed updates.
//
// Store keeps one JSON object per record in a Cloud Storage bucket, or in a
// local directory when a local path is configured. Postgres is the relational
// alternative with the same method set.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flatfinder/pkg/flatfinder"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when a subscriber does not exist.
var ErrNotFound = flatfinder.ErrSubscriberNotFound

var errConflict = errors.New("storage: concurrent modification")

// Store handles object persistence in Cloud Storage or a local directory.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	mu        sync.Mutex // serializes local read-modify-write
}

// New creates a new storage handler. A non-empty localPath selects the local backend.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

func (s *Store) local() bool {
	return s.localPath != ""
}

func (s *Store) localFile(key string) string {
	return filepath.Join(s.localPath, filepath.FromSlash(key))
}

func (s *Store) withRetry(ctx context.Context, op, key string, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s %s after retries: %w", op, key, err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// read returns the object's data and generation. found is false when the object does not exist.
func (s *Store) read(ctx context.Context, key string) (data []byte, generation int64, found bool, err error) {
	if s.local() {
		data, err = os.ReadFile(s.localFile(key))
		if os.IsNotExist(err) {
			return nil, 0, false, nil
		}
		if err != nil {
			return nil, 0, false, fmt.Errorf("read from local storage: %w", err)
		}
		return data, 0, true, nil
	}

	err = s.withRetry(ctx, "read", key, func() error {
		r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
		if errors.Is(openErr, storage.ErrObjectNotExist) {
			found = false
			return nil
		}
		if openErr != nil {
			return fmt.Errorf("open storage reader: %w", openErr)
		}
		defer func() {
			if closeErr := r.Close(); closeErr != nil {
				s.logger.Warn("Failed to close storage reader", "error", closeErr)
			}
		}()

		b, readErr := io.ReadAll(r)
		if readErr != nil {
			return fmt.Errorf("read from storage: %w", readErr)
		}
		data, generation, found = b, r.Attrs.Generation, true
		return nil
	})
	return data, generation, found, err
}

// exists reports whether an object is present without reading it.
func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	if s.local() {
		_, err := os.Stat(s.localFile(key))
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stat local storage: %w", err)
		}
		return true, nil
	}

	var found bool
	err := s.withRetry(ctx, "stat", key, func() error {
		_, attrErr := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
		if errors.Is(attrErr, storage.ErrObjectNotExist) {
			found = false
			return nil
		}
		if attrErr != nil {
			return attrErr
		}
		found = true
		return nil
	})
	return found, err
}

// create writes an object only if it does not exist yet. created is false when it already existed.
func (s *Store) create(ctx context.Context, key string, data []byte) (created bool, err error) {
	if s.local() {
		path := s.localFile(key)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return false, fmt.Errorf("create local directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if os.IsExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("create in local storage: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()       //nolint:errcheck,gosec // write already failed
			os.Remove(path) //nolint:errcheck,gosec // best effort
			return false, fmt.Errorf("write to local storage: %w", err)
		}
		if err := f.Close(); err != nil {
			return false, fmt.Errorf("close local file: %w", err)
		}
		return true, nil
	}

	err = s.withRetry(ctx, "create", key, func() error {
		obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true})
		closeErr := s.write(ctx, obj, data)
		if isPreconditionFailed(closeErr) {
			created = false
			return nil
		}
		if closeErr != nil {
			return closeErr
		}
		created = true
		return nil
	})
	return created, err
}

// replace overwrites an object if its generation still matches.
// It returns errConflict when another writer got there first.
func (s *Store) replace(ctx context.Context, key string, data []byte, generation int64) error {
	if s.local() {
		path := s.localFile(key)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		return nil
	}

	var conflict bool
	err := s.withRetry(ctx, "replace", key, func() error {
		obj := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{GenerationMatch: generation})
		writeErr := s.write(ctx, obj, data)
		if isPreconditionFailed(writeErr) {
			conflict = true
			return nil
		}
		return writeErr
	})
	if err != nil {
		return err
	}
	if conflict {
		return errConflict
	}
	return nil
}

func (s *Store) write(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			s.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close storage writer: %w", err)
	}
	return nil
}

// list returns the names of objects under prefix, relative to it.
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	if s.local() {
		entries, err := os.ReadDir(s.localFile(prefix))
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		var names []string
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			names = append(names, entry.Name())
		}
		return names, nil
	}

	var names []string
	err := s.withRetry(ctx, "list", prefix, func() error {
		names = names[:0]
		q := &storage.Query{Prefix: prefix}
		if err := q.SetAttrSelection([]string{"Name"}); err != nil {
			return retry.Unrecoverable(err)
		}
		it := s.client.Bucket(s.bucket).Objects(ctx, q)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("iterate storage: %w", err)
			}
			name := strings.TrimPrefix(attrs.Name, prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			names = append(names, name)
		}
	})
	return names, err
}

// first returns the lexically smallest object name directly under prefix.
// On Cloud Storage it reads a single listing result.
func (s *Store) first(ctx context.Context, prefix string) (name string, found bool, err error) {
	if s.local() {
		entries, err := os.ReadDir(s.localFile(prefix))
		if os.IsNotExist(err) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
				return entry.Name(), true, nil
			}
		}
		return "", false, nil
	}

	err = s.withRetry(ctx, "list", prefix, func() error {
		name, found = "", false
		q := &storage.Query{Prefix: prefix, Delimiter: "/"}
		if err := q.SetAttrSelection([]string{"Name"}); err != nil {
			return retry.Unrecoverable(err)
		}
		it := s.client.Bucket(s.bucket).Objects(ctx, q)
		it.PageInfo().MaxSize = 1
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("iterate storage: %w", err)
			}
			if attrs.Name == "" {
				continue // synthetic directory entry
			}
			name, found = strings.TrimPrefix(attrs.Name, prefix), true
			return nil
		}
	})
	return name, found, err
}
