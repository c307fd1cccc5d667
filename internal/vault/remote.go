package vault

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

const (
	remoteName    = "origin"
	defaultBranch = "main"
	defaultUser   = "kbsync"
	defaultEmail  = "kbsync@localhost"
)

// RemoteConfig holds the push remote of the vault.
type RemoteConfig struct {
	URL      string // Remote git repository URL (KB_GIT_URL)
	Password string // Password/token for HTTPS auth (KB_GIT_PASS)
	Branch   string // Target branch (KB_GIT_BRANCH)
	User     string // Commit author name (KB_GIT_USER)
	Email    string // Commit author email (KB_GIT_EMAIL)
}

// IsEnabled returns true if a remote URL is configured.
func (c *RemoteConfig) IsEnabled() bool {
	return c != nil && c.URL != ""
}

// IsSSH returns true if the URL is an SSH URL.
func (c *RemoteConfig) IsSSH() bool {
	if !c.IsEnabled() {
		return false
	}
	return strings.HasPrefix(c.URL, "git@") || strings.HasPrefix(c.URL, "ssh://")
}

func (c *RemoteConfig) branch() string {
	if c == nil || c.Branch == "" {
		return defaultBranch
	}
	return c.Branch
}

func (c *RemoteConfig) author() (string, string) {
	name, email := defaultUser, defaultEmail
	if c != nil && c.User != "" {
		name = c.User
	}
	if c != nil && c.Email != "" {
		email = c.Email
	}
	return name, email
}

// Auth returns the authentication method for the remote URL.
func (c *RemoteConfig) Auth() (transport.AuthMethod, error) {
	if !c.IsEnabled() {
		return nil, apperrors.ErrRemoteNotConfigured
	}

	if c.IsSSH() {
		auth, err := ssh.NewSSHAgentAuth("git")
		if err != nil {
			return nil, err
		}
		return auth, nil
	}

	if c.Password == "" {
		return nil, apperrors.ErrHTTPSPasswordRequired
	}
	return &http.BasicAuth{
		Username: "oauth2",
		Password: c.Password,
	}, nil
}
