// Package store is the gateway's system of record: tracked repositories,
// API-key digests and the key→repository binding sets, kept in a bbolt
// database. The admin surface mutates it; the engine and auth layers query
// it on every request.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"go.etcd.io/bbolt"
)

//nolint:gochecknoglobals
var (
	repositoriesBucket = []byte("repositories")
	keysBucket         = []byte("keys")
	bindingsBucket     = []byte("bindings")
)

// ErrUnknownKey is returned when an API-key digest is not in the store.
var ErrUnknownKey = errors.New("unknown API key")

// Repository is a tracked repository record. The credential is opaque to the
// gateway; encryption at rest is a collaborator concern.
type Repository struct {
	Owner        string `json:"owner"`
	Repo         string `json:"repo"`
	Branch       string `json:"branch"`
	RootSpecPath string `json:"root_spec_path"`
	Credential   string `json:"credential,omitempty"`
}

// Key returns the record key, "owner/repo/branch".
func (r Repository) Key() string {
	return r.Owner + "/" + r.Repo + "/" + r.Branch
}

// APIKey is the stored metadata for one key. Only the SHA-256 digest of the
// raw key is ever persisted.
type APIKey struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Digest returns the hex SHA-256 digest of a raw API key. Raw keys are never
// stored or compared.
func Digest(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path and ensures all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{repositoriesBucket, keysBucket, bindingsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}); err != nil {
		return nil, errors.Join(errors.Wrap(err, "create buckets"), db.Close())
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "close store")
}

// PutRepository inserts or replaces a repository record.
func (s *Store) PutRepository(repo Repository) error {
	if repo.RootSpecPath == "" {
		repo.RootSpecPath = "spec.md"
	}
	data, err := json.Marshal(repo)
	if err != nil {
		return errors.Wrap(err, "marshal repository")
	}
	return errors.Wrap(s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(repositoriesBucket).Put([]byte(repo.Key()), data)
	}), "put repository")
}

// GetRepository looks up a repository by its identity triple.
func (s *Store) GetRepository(owner, repo, branch string) (Repository, bool, error) {
	var record Repository
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(repositoriesBucket).Get([]byte(owner + "/" + repo + "/" + branch))
		if data == nil {
			return nil
		}
		found = true
		return errors.Wrap(json.Unmarshal(data, &record), "unmarshal repository")
	})
	return record, found, errors.Wrap(err, "get repository")
}

// DeleteRepository removes a repository record and every binding that
// references it.
func (s *Store) DeleteRepository(owner, repo, branch string) error {
	repoKey := owner + "/" + repo + "/" + branch
	return errors.Wrap(s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(repositoriesBucket).Delete([]byte(repoKey)); err != nil {
			return errors.WithStack(err)
		}
		bindings := tx.Bucket(bindingsBucket)
		var stale [][]byte
		if err := bindings.ForEach(func(k, _ []byte) error {
			if _, bound, ok := splitBindingKey(k); ok && bound == repoKey {
				stale = append(stale, append([]byte{}, k...))
			}
			return nil
		}); err != nil {
			return errors.WithStack(err)
		}
		for _, k := range stale {
			if err := bindings.Delete(k); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}), "delete repository")
}

// Repositories returns every tracked repository record.
func (s *Store) Repositories() ([]Repository, error) {
	var repos []Repository
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(repositoriesBucket).ForEach(func(_, data []byte) error {
			var record Repository
			if err := json.Unmarshal(data, &record); err != nil {
				return errors.Wrap(err, "unmarshal repository")
			}
			repos = append(repos, record)
			return nil
		})
	})
	return repos, errors.Wrap(err, "list repositories")
}

// PutKey records an API key by digest.
func (s *Store) PutKey(digest, name string) error {
	data, err := json.Marshal(APIKey{Name: name, CreatedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "marshal key")
	}
	return errors.Wrap(s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(keysBucket).Put([]byte(digest), data)
	}), "put key")
}

// DeleteKey removes a key and its entire binding set.
func (s *Store) DeleteKey(digest string) error {
	return errors.Wrap(s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(keysBucket).Delete([]byte(digest)); err != nil {
			return errors.WithStack(err)
		}
		bindings := tx.Bucket(bindingsBucket)
		cursor := bindings.Cursor()
		prefix := []byte(digest + "/")
		var stale [][]byte
		for k, _ := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = cursor.Next() {
			stale = append(stale, append([]byte{}, k...))
		}
		for _, k := range stale {
			if err := bindings.Delete(k); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}), "delete key")
}

// HasKey reports whether a key digest is known.
func (s *Store) HasKey(digest string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(keysBucket).Get([]byte(digest)) != nil
		return nil
	})
	return found, errors.Wrap(err, "lookup key")
}

// Bind adds a repository to a key's binding set.
func (s *Store) Bind(digest, owner, repo, branch string) error {
	return errors.Wrap(s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bindingsBucket).Put(bindingKey(digest, owner, repo, branch), []byte{})
	}), "bind")
}

// Unbind removes a repository from a key's binding set.
func (s *Store) Unbind(digest, owner, repo, branch string) error {
	return errors.Wrap(s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bindingsBucket).Delete(bindingKey(digest, owner, repo, branch))
	}), "unbind")
}

// AccessibleRepositories returns every repository record in the key's
// binding set. Bindings whose repository record has been removed are
// skipped. Fails with ErrUnknownKey when the digest is not recorded.
func (s *Store) AccessibleRepositories(digest string) ([]Repository, error) {
	var repos []Repository
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(keysBucket).Get([]byte(digest)) == nil {
			return errors.WithStack(ErrUnknownKey)
		}
		repositories := tx.Bucket(repositoriesBucket)
		cursor := tx.Bucket(bindingsBucket).Cursor()
		prefix := []byte(digest + "/")
		for k, _ := cursor.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = cursor.Next() {
			_, repoKey, ok := splitBindingKey(k)
			if !ok {
				continue
			}
			data := repositories.Get([]byte(repoKey))
			if data == nil {
				continue
			}
			var record Repository
			if err := json.Unmarshal(data, &record); err != nil {
				return errors.Wrap(err, "unmarshal repository")
			}
			repos = append(repos, record)
		}
		return nil
	})
	return repos, errors.WithStack(err)
}

// CanAccess reports whether the key digest is bound to the repository
// triple. It returns false for any reason: unknown key, missing binding, or
// a repository that is no longer tracked.
func (s *Store) CanAccess(digest, owner, repo, branch string) (bool, error) {
	var allowed bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(keysBucket).Get([]byte(digest)) == nil {
			return nil
		}
		if tx.Bucket(bindingsBucket).Get(bindingKey(digest, owner, repo, branch)) == nil {
			return nil
		}
		allowed = tx.Bucket(repositoriesBucket).Get([]byte(owner+"/"+repo+"/"+branch)) != nil
		return nil
	})
	return allowed, errors.Wrap(err, "check access")
}

func bindingKey(digest, owner, repo, branch string) []byte {
	return []byte(digest + "/" + owner + "/" + repo + "/" + branch)
}

// splitBindingKey splits "<digest>/<owner>/<repo>/<branch>" into the digest
// and the repository key.
func splitBindingKey(k []byte) (digest, repoKey string, ok bool) {
	digest, repoKey, ok = strings.Cut(string(k), "/")
	return digest, repoKey, ok
}
