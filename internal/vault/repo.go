// Package vault mirrors opened documents into a local git repository.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

const (
	msgRemoteRepoEmpty = "remote repository is empty"

	// File and directory permissions.
	dirPerm  = 0750 // Directory permissions: rwxr-x---
	filePerm = 0600 // File permissions: rw-------
)

// Document is the content of one mirrored document and the remote state it was
// last synced against.
type Document struct {
	ID           string
	Name         string
	Content      string
	ModifiedTime time.Time
	Version      int64
}

// Vault is a git working tree holding one markdown file per document.
type Vault struct {
	root   string
	repo   *git.Repository
	mu     sync.RWMutex
	logger *slog.Logger
	remote *RemoteConfig
	now    func() time.Time
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets a custom logger for the vault.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) {
		v.logger = l
	}
}

// WithRemote sets the remote git configuration.
func WithRemote(cfg *RemoteConfig) Option {
	return func(v *Vault) {
		v.remote = cfg
	}
}

// WithClock sets the time source used for registry timestamps and commits.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// Open opens the vault at dir, cloning or initializing the repository as needed.
func Open(dir string, opts ...Option) (*Vault, error) {
	v := &Vault{
		root:   dir,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}

	repo, err := v.initializeRepository()
	if err != nil {
		return nil, err
	}
	v.repo = repo
	return v, nil
}

// Root returns the working tree directory.
func (v *Vault) Root() string {
	return v.root
}

// Put writes doc to its file and records it in the registry. A renamed
// document moves to its new file name.
func (v *Vault) Put(ctx context.Context, doc Document) (*Entry, error) {
	if doc.ID == "" {
		return nil, apperrors.ErrFileIDRequired
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	path := FileName(doc.Name, doc.ID)
	if prev, err := v.readEntry(doc.ID); err == nil && prev.Path != path {
		v.logger.DebugContext(ctx, "Document renamed in vault", "id", doc.ID, "from", prev.Path, "to", path)
		if err := v.removeFile(prev.Path); err != nil {
			return nil, err
		}
	}

	entry := &Entry{
		ID:           doc.ID,
		Name:         doc.Name,
		Path:         path,
		ModifiedTime: doc.ModifiedTime,
		Version:      doc.Version,
		ContentHash:  Hash(doc.Content),
		SyncedAt:     v.now().UTC(),
	}
	// The registry goes first so a watcher never sees new content with a stale hash.
	if err := v.writeEntry(entry); err != nil {
		return nil, err
	}
	if err := v.writeFile(path, []byte(doc.Content)); err != nil {
		return nil, err
	}

	v.logger.DebugContext(ctx, "Wrote document to vault", "id", doc.ID, "path", path, "bytes", len(doc.Content))
	return entry, nil
}

// Get reads a mirrored document.
func (v *Vault) Get(ctx context.Context, id string) (*Document, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entry, err := v.readEntry(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(v.root, entry.Path)) //nolint:gosec // path is application controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("vault file %s: %w", entry.Path, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("read file %s: %w", entry.Path, err)
	}

	v.logger.DebugContext(ctx, "Read document from vault", "id", id, "size", len(data))
	return &Document{
		ID:           entry.ID,
		Name:         entry.Name,
		Content:      string(data),
		ModifiedTime: entry.ModifiedTime,
		Version:      entry.Version,
	}, nil
}

// Entry returns the registry record of id.
func (v *Vault) Entry(id string) (*Entry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.readEntry(id)
}

// Remove deletes a document and its registry record. Removing an unknown id is a no-op.
func (v *Vault) Remove(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, err := v.readEntry(id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := v.removeFile(entry.Path); err != nil {
		return err
	}
	if err := v.removeFile(registryPath(id)); err != nil {
		return err
	}

	v.logger.DebugContext(ctx, "Removed document from vault", "id", id, "path", entry.Path)
	return nil
}

// IDForPath returns the document id of a vault file. Paths may be absolute or
// relative to the root. Files under .git and the registry have no id.
func (v *Vault) IDForPath(path string) (string, bool) {
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(v.root, path)
		if err != nil {
			return "", false
		}
		rel = r
	}
	if inStateDir(rel) {
		return "", false
	}
	return ParseID(rel)
}

// Commit stages every change and commits when the tree is dirty. It reports
// whether a commit was created.
func (v *Vault) Commit(ctx context.Context, message string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	worktree, err := v.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("get worktree: %w", err)
	}

	// Stage all changes in the worktree (equivalent to git add -A)
	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return false, fmt.Errorf("git add: %w", err)
	}

	status, err := worktree.Status()
	if err != nil {
		return false, fmt.Errorf("get status: %w", err)
	}
	hasChanges := false
	for _, s := range status {
		if s.Staging != git.Unmodified && s.Staging != git.Untracked {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		return false, nil
	}

	name, email := v.remote.author()
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  name,
			Email: email,
			When:  v.now(),
		},
	})
	if err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	v.logger.InfoContext(ctx, "Committed vault", "hash", hash.String(), "files", len(status))
	return true, nil
}

// Push pushes local commits to the remote repository.
func (v *Vault) Push(ctx context.Context) error {
	if !v.remote.IsEnabled() {
		return apperrors.ErrRemoteNotConfigured
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	auth, err := v.remote.Auth()
	if err != nil {
		return fmt.Errorf("get auth: %w", err)
	}

	v.logger.InfoContext(ctx, "Pushing vault", "url", v.remote.URL, "branch", v.remote.branch())

	ref := plumbing.NewBranchReferenceName(v.remote.branch())
	err = v.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref.String() + ":" + ref.String())},
		Auth:       auth,
	})
	if err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			v.logger.InfoContext(ctx, "Nothing to push")
			return nil
		}
		return fmt.Errorf("push: %w", err)
	}

	v.logger.InfoContext(ctx, "Push complete")
	return nil
}

// writeFile writes through a temporary file so readers never see a partial document.
func (v *Vault) writeFile(rel string, content []byte) error {
	full := filepath.Join(v.root, rel)
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("rename %s: %w", rel, err)
	}
	return nil
}

func (v *Vault) removeFile(rel string) error {
	if err := os.Remove(filepath.Join(v.root, rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file %s: %w", rel, err)
	}
	return nil
}

// initializeRepository clones from the remote when the directory is new,
// otherwise opens or creates a local repository.
func (v *Vault) initializeRepository() (*git.Repository, error) {
	if _, err := os.Stat(v.root); err != nil && v.remote.IsEnabled() {
		return v.cloneFromRemote()
	}
	return v.openOrCreateLocalRepo()
}

func (v *Vault) cloneFromRemote() (*git.Repository, error) {
	v.logger.Info("Cloning vault", "url", v.remote.URL, "branch", v.remote.branch())

	auth, err := v.remote.Auth()
	if err != nil {
		return nil, fmt.Errorf("get auth: %w", err)
	}

	repo, err := git.PlainClone(v.root, false, &git.CloneOptions{
		URL:           v.remote.URL,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(v.remote.branch()),
		SingleBranch:  true,
	})
	if err == nil {
		return repo, nil
	}
	if err.Error() != msgRemoteRepoEmpty {
		return nil, fmt.Errorf("clone repository: %w", err)
	}

	// Empty remote: init locally and add the remote
	v.logger.Info(msgRemoteRepoEmpty + ", initializing locally")
	return v.initNewRepo()
}

func (v *Vault) openOrCreateLocalRepo() (*git.Repository, error) {
	if err := os.MkdirAll(v.root, dirPerm); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	repo, err := git.PlainOpen(v.root)
	if err == nil {
		return v.ensureRemoteConfigured(repo)
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open git repo: %w", err)
	}
	return v.initNewRepo()
}

func (v *Vault) initNewRepo() (*git.Repository, error) {
	if err := os.MkdirAll(v.root, dirPerm); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	repo, err := git.PlainInitWithOptions(v.root, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(v.remote.branch())},
	})
	if err != nil {
		return nil, fmt.Errorf("init git repo: %w", err)
	}
	if v.remote.IsEnabled() {
		if err := v.addRemote(repo); err != nil {
			return nil, err
		}
	}
	return repo, nil
}

func (v *Vault) ensureRemoteConfigured(repo *git.Repository) (*git.Repository, error) {
	if !v.remote.IsEnabled() {
		return repo, nil
	}
	if _, err := repo.Remote(remoteName); err == nil {
		return repo, nil
	}

	v.logger.Info("Adding remote origin to existing vault", "url", v.remote.URL)
	if err := v.addRemote(repo); err != nil {
		return nil, err
	}
	return repo, nil
}

func (v *Vault) addRemote(repo *git.Repository) error {
	_, err := repo.CreateRemote(&config.RemoteConfig{
		Name: remoteName,
		URLs: []string{v.remote.URL},
	})
	if err != nil {
		return fmt.Errorf("add remote origin: %w", err)
	}
	return nil
}
