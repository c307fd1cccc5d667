package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

const (
	stateDir    = ".kbsync"
	registryDir = ".kbsync/ids"
)

// Entry is the registry record of one mirrored document.
type Entry struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	ModifiedTime time.Time `json:"modified"`
	Version      int64     `json:"version"`
	ContentHash  string    `json:"contentHash"`
	SyncedAt     time.Time `json:"syncedAt"`
}

// Hash returns the content hash stored in registry entries.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func registryPath(id string) string {
	return filepath.Join(registryDir, id+".json")
}

func (v *Vault) readEntry(id string) (*Entry, error) {
	data, err := os.ReadFile(filepath.Join(v.root, registryPath(id))) //nolint:gosec // path is application controlled
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("vault entry %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("read registry %s: %w", id, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", id, err)
	}
	return &e, nil
}

func (v *Vault) writeEntry(e *Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry %s: %w", e.ID, err)
	}
	return v.writeFile(registryPath(e.ID), append(data, '\n'))
}

// inStateDir reports whether rel lies in a directory the vault manages itself.
func inStateDir(rel string) bool {
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first == stateDir || first == ".git"
}
