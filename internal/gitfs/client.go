// Package gitfs implements the GIT backend: vault files are blobs on one
// branch of a remote repository, kept in a local working clone.
package gitfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"kpvault-go/internal/remote"
	"kpvault-go/internal/vfs"
)

const (
	DefaultBranch = "main"
	remoteName    = "origin"
)

// Options configures clients built by NewClientFactory.
type Options struct {
	// CloneDir holds one working clone per remote.
	CloneDir    string
	Branch      string
	AuthorName  string
	AuthorEmail string
	Clock       vfs.Clock
}

// Client is a remote.Client over a Git repository. All calls are serialized
// because the working clone is shared state.
type Client struct {
	url    string
	auth   transport.AuthMethod
	dir    string
	branch string
	author object.Signature
	clock  vfs.Clock

	mu   sync.Mutex
	repo *git.Repository
}

var _ remote.Client = (*Client)(nil)

// NewClient builds a client for creds. It does no I/O; the clone is created
// on first use.
func NewClient(creds vfs.Credentials, opts Options) (*Client, error) {
	var rawURL, user, password string
	switch c := creds.(type) {
	case vfs.GitCredentials:
		rawURL = c.URL
	case vfs.BasicCredentials:
		rawURL, user, password = c.URL, c.Username, c.Password
	case nil:
		return nil, vfs.NewError(vfs.KindAuth, "Git requires credentials")
	default:
		return nil, vfs.IncorrectUse(fmt.Sprintf("Git with %T", creds))
	}
	if rawURL == "" {
		return nil, vfs.NewError(vfs.KindAuth, "Git remote URL is empty")
	}

	cleanURL := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.User != nil {
		if user == "" {
			user = u.User.Username()
			password, _ = u.User.Password()
		}
		u.User = nil
		cleanURL = u.String()
	}

	c := &Client{
		url:    cleanURL,
		dir:    path.Join(opts.CloneDir, fingerprint(creds.ID()+"|"+opts.Branch)),
		branch: opts.Branch,
		clock:  opts.Clock,
		author: object.Signature{Name: opts.AuthorName, Email: opts.AuthorEmail},
	}
	if c.branch == "" {
		c.branch = DefaultBranch
	}
	if c.clock == nil {
		c.clock = vfs.RealClock{}
	}
	if c.author.Name == "" {
		c.author.Name = "kpvault"
	}
	if c.author.Email == "" {
		c.author.Email = "kpvault@localhost"
	}
	if user != "" || password != "" {
		c.auth = &githttp.BasicAuth{Username: user, Password: password}
	}
	return c, nil
}

// NewClientFactory returns a factory for GitCredentials and BasicCredentials.
func NewClientFactory(opts Options) remote.ClientFactory {
	return func(creds vfs.Credentials) (remote.Client, error) {
		return NewClient(creds, opts)
	}
}

func fingerprint(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 16)
}

func (c *Client) remoteRef() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(remoteName, c.branch)
}

func (c *Client) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(c.branch)
}

// open returns the working clone, cloning on first use. An empty remote
// yields an initialized repository with origin configured.
func (c *Client) open(ctx context.Context) (*git.Repository, error) {
	if c.repo != nil {
		return c.repo, nil
	}
	repo, err := git.PlainOpen(c.dir)
	if err == nil {
		c.repo = repo
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("opening clone: %w", err)
	}

	repo, err = git.PlainCloneContext(ctx, c.dir, false, &git.CloneOptions{
		URL:           c.url,
		Auth:          c.auth,
		RemoteName:    remoteName,
		ReferenceName: c.branchRef(),
		SingleBranch:  true,
	})
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		repo, err = c.initEmpty()
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	c.repo = repo
	return repo, nil
}

func (c *Client) initEmpty() (*git.Repository, error) {
	repo, err := git.PlainInit(c.dir, false)
	if err != nil {
		return nil, fmt.Errorf("initializing clone: %w", err)
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{c.url}}); err != nil {
		return nil, fmt.Errorf("adding remote: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, c.branchRef())
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("pointing HEAD at %s: %w", c.branch, err)
	}
	return repo, nil
}

func (c *Client) fetch(ctx context.Context, repo *git.Repository) error {
	spec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", c.branchRef(), c.remoteRef()))
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Auth:       c.auth,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, transport.ErrEmptyRemoteRepository):
		return nil
	case strings.Contains(err.Error(), "couldn't find remote ref"):
		return nil
	}
	return err
}

// head fetches and returns the commit at origin/<branch>, nil for an empty remote.
func (c *Client) head(ctx context.Context) (*git.Repository, *object.Commit, error) {
	repo, err := c.open(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := c.fetch(ctx, repo); err != nil {
		return nil, nil, err
	}
	ref, err := repo.Reference(c.remoteRef(), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return repo, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolving %s: %w", c.remoteRef(), err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, nil, fmt.Errorf("loading commit %s: %w", ref.Hash(), err)
	}
	return repo, commit, nil
}

func rel(p string) string {
	return strings.TrimPrefix(vfs.NormalizePath(p), "/")
}

func (c *Client) List(ctx context.Context, p string) ([]vfs.RemoteFileMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p = vfs.NormalizePath(p)
	_, commit, err := c.head(ctx)
	if err != nil {
		return nil, classify(err, "list", p)
	}
	if commit == nil {
		if vfs.IsRootPath(p) {
			return nil, nil
		}
		return nil, vfs.NewError(vfs.KindFileNotFound, "%s not found in empty repository", p)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, classify(err, "list", p)
	}
	if !vfs.IsRootPath(p) {
		entry, err := tree.FindEntry(rel(p))
		if err != nil {
			return nil, classify(err, "list", p)
		}
		if entry.Mode != filemode.Dir {
			return nil, vfs.NewError(vfs.KindNotADirectory, "%s is not a directory", p)
		}
		if tree, err = tree.Tree(rel(p)); err != nil {
			return nil, classify(err, "list", p)
		}
	}

	out := make([]vfs.RemoteFileMetadata, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		child := vfs.JoinPath(p, e.Name)
		meta := vfs.RemoteFileMetadata{
			UID:            child,
			Path:           child,
			ServerModified: commit.Committer.When.UTC(),
			IsDirectory:    e.Mode == filemode.Dir,
		}
		if !meta.IsDirectory {
			meta.Revision = e.Hash.String()
			if f, err := tree.TreeEntryFile(&e); err == nil {
				meta.Size = f.Size
			}
		}
		out = append(out, meta)
	}
	return out, nil
}

func (c *Client) Stat(ctx context.Context, p string) (vfs.RemoteFileMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	repo, commit, err := c.head(ctx)
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "stat", p)
	}
	meta, _, err := c.stat(repo, commit, vfs.NormalizePath(p))
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "stat", p)
	}
	return meta, nil
}

// stat describes p at commit and returns the blob of files.
func (c *Client) stat(repo *git.Repository, commit *object.Commit, p string) (vfs.RemoteFileMetadata, *object.File, error) {
	if commit == nil {
		if vfs.IsRootPath(p) {
			return vfs.RemoteFileMetadata{UID: p, Path: p, IsDirectory: true}, nil, nil
		}
		return vfs.RemoteFileMetadata{}, nil, vfs.NewError(vfs.KindFileNotFound, "%s not found in empty repository", p)
	}
	if vfs.IsRootPath(p) {
		return vfs.RemoteFileMetadata{UID: p, Path: p, IsDirectory: true, ServerModified: commit.Committer.When.UTC()}, nil, nil
	}
	tree, err := commit.Tree()
	if err != nil {
		return vfs.RemoteFileMetadata{}, nil, err
	}
	entry, err := tree.FindEntry(rel(p))
	if err != nil {
		return vfs.RemoteFileMetadata{}, nil, err
	}
	if entry.Mode == filemode.Dir {
		return vfs.RemoteFileMetadata{UID: p, Path: p, IsDirectory: true, ServerModified: commit.Committer.When.UTC()}, nil, nil
	}
	file, err := tree.File(rel(p))
	if err != nil {
		return vfs.RemoteFileMetadata{}, nil, err
	}
	return vfs.RemoteFileMetadata{
		UID:            p,
		Path:           p,
		Revision:       file.Hash.String(),
		Size:           file.Size,
		ServerModified: c.lastModified(repo, commit, rel(p)),
		ClientModified: commit.Author.When.UTC(),
	}, file, nil
}

// lastModified is the commit time of the newest commit touching name.
func (c *Client) lastModified(repo *git.Repository, commit *object.Commit, name string) time.Time {
	iter, err := repo.Log(&git.LogOptions{From: commit.Hash, FileName: &name})
	if err != nil {
		return commit.Committer.When.UTC()
	}
	defer iter.Close()
	last, err := iter.Next()
	if err != nil {
		return commit.Committer.When.UTC()
	}
	return last.Committer.When.UTC()
}

func (c *Client) Download(ctx context.Context, p string, w io.Writer) (vfs.RemoteFileMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p = vfs.NormalizePath(p)
	repo, commit, err := c.head(ctx)
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "download", p)
	}
	meta, file, err := c.stat(repo, commit, p)
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "download", p)
	}
	if file == nil {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindGenericIO, "%s is a directory", p)
	}
	r, err := file.Reader()
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "download", p)
	}
	defer r.Close()
	if _, err := io.Copy(w, remote.ContextReader(ctx, r)); err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "download", p)
	}
	return meta, nil
}

// Upload commits the content on top of the remote branch head and pushes it.
// A push rejected because the branch moved fails with RemoteApiError.
func (c *Client) Upload(ctx context.Context, p string, r io.Reader, size int64) (vfs.RemoteFileMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p = vfs.NormalizePath(p)
	if vfs.IsRootPath(p) {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindGenericIO, "cannot upload to the repository root")
	}
	repo, commit, err := c.head(ctx)
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	if commit != nil {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(c.branchRef(), commit.Hash)); err != nil {
			return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
		}
		if err := wt.Reset(&git.ResetOptions{Commit: commit.Hash, Mode: git.HardReset}); err != nil {
			return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
		}
	}

	name := rel(p)
	if dir := path.Dir(name); dir != "." {
		if err := wt.Filesystem.MkdirAll(dir, 0755); err != nil {
			return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
		}
	}
	f, err := wt.Filesystem.Create(name)
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	n, err := io.Copy(f, remote.ContextReader(ctx, r))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	if size >= 0 && n != size {
		return vfs.RemoteFileMetadata{}, vfs.NewError(vfs.KindGenericIO, "size mismatch: expected %d bytes, got %d", size, n)
	}

	if _, err := wt.Add(name); err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	author := c.author
	author.When = c.clock.Now()
	hash, err := wt.Commit("Update "+name, &git.CommitOptions{Author: &author})
	switch {
	case errors.Is(err, git.ErrEmptyCommit):
		meta, _, err := c.stat(repo, commit, p)
		if err != nil {
			return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
		}
		return meta, nil
	case err != nil:
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}

	spec := gitconfig.RefSpec(fmt.Sprintf("%s:%s", c.branchRef(), c.branchRef()))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		Auth:       c.auth,
		RefSpecs:   []gitconfig.RefSpec{spec},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return vfs.RemoteFileMetadata{}, classify(err, "push", p)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(c.remoteRef(), hash)); err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}

	pushed, err := repo.CommitObject(hash)
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	meta, _, err := c.stat(repo, pushed, p)
	if err != nil {
		return vfs.RemoteFileMetadata{}, classify(err, "upload", p)
	}
	return meta, nil
}

// classify maps go-git and transport errors onto the error taxonomy.
func classify(err error, op, p string) *vfs.Error {
	if e, ok := vfs.AsError(err); ok {
		return e
	}
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return vfs.WrapError(vfs.KindAuth, err, "%s %s", op, p)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, object.ErrFileNotFound),
		errors.Is(err, object.ErrEntryNotFound),
		errors.Is(err, object.ErrDirectoryNotFound):
		return vfs.WrapError(vfs.KindFileNotFound, err, "%s %s", op, p)
	case errors.Is(err, git.ErrNonFastForwardUpdate):
		return vfs.WrapError(vfs.KindRemoteAPI, err, "%s %s: remote branch moved", op, p)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return vfs.WrapError(vfs.KindNetworkIO, err, "%s %s", op, p)
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return vfs.WrapError(vfs.KindNetworkIO, err, "%s %s", op, p)
	}
	if strings.Contains(err.Error(), "non-fast-forward") || strings.Contains(err.Error(), "rejected") {
		return vfs.WrapError(vfs.KindRemoteAPI, err, "%s %s", op, p)
	}
	return vfs.WrapError(vfs.KindGenericIO, err, "%s %s", op, p)
}
