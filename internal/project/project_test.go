package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSha = "0123456789abcdef0123456789abcdef01234567"

// countingCloner creates empty checkout directories and counts clones.
type countingCloner struct {
	base  string
	calls atomic.Int32
	err   error
}

func (c *countingCloner) Clone(_ context.Context, params Params) (Project, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	dir, err := os.MkdirTemp(c.base, "clone-")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644); err != nil {
		return nil, err
	}
	return &GitProject{ref: params.ID, dir: dir}, nil
}

func readOnly(sha string) Params {
	return Params{
		ID:       RepoRef{Owner: "acme", Repo: "api", Branch: "main", Sha: sha},
		ReadOnly: true,
	}
}

func dirOf(t *testing.T, p Project) string {
	t.Helper()
	dir, err := p.BaseDir(context.Background())
	require.NoError(t, err)
	return dir
}

func TestParams_Cacheable(t *testing.T) {
	assert.True(t, readOnly(testSha).Cacheable())

	p := readOnly(testSha)
	p.ReadOnly = false
	assert.False(t, p.Cacheable())

	assert.False(t, readOnly("main").Cacheable())
	assert.Equal(t, "acme:api:main:"+testSha+":depth=0,all=false,detach=false", readOnly(testSha).CacheKey())
}

func TestCachingLoader_ReusesCheckout(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir()}
	loader := NewCachingLoader(cloner)
	defer loader.Close()
	ctx := context.Background()

	var dirs []string
	for i := 0; i < 3; i++ {
		err := loader.DoWithProject(ctx, readOnly(testSha), func(ctx context.Context, p Project) error {
			dirs = append(dirs, dirOf(t, p))
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), cloner.calls.Load())
	assert.Equal(t, dirs[0], dirs[1])
	assert.Equal(t, dirs[0], dirs[2])
	assert.Equal(t, 1, loader.Len())
}

func TestCachingLoader_WritableAlwaysClones(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir()}
	loader := NewCachingLoader(cloner, WithCleanupDelay(time.Hour))
	ctx := context.Background()

	params := readOnly(testSha)
	params.ReadOnly = false

	var dirs []string
	for i := 0; i < 2; i++ {
		require.NoError(t, loader.DoWithProject(ctx, params, func(ctx context.Context, p Project) error {
			dirs = append(dirs, dirOf(t, p))
			return nil
		}))
	}

	assert.Equal(t, int32(2), cloner.calls.Load())
	assert.NotEqual(t, dirs[0], dirs[1])
	assert.Equal(t, 0, loader.Len())
	assert.Equal(t, 2, loader.PendingCleanups())

	require.NoError(t, loader.Close())
	for _, d := range dirs {
		assert.NoDirExists(t, d)
	}
	assert.Equal(t, 0, loader.PendingCleanups())
}

func TestCachingLoader_EphemeralCleanupTimer(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir()}
	loader := NewCachingLoader(cloner, WithCleanupDelay(10*time.Millisecond))
	defer loader.Close()

	var dir string
	require.NoError(t, loader.DoWithProject(context.Background(), readOnly("main"), func(ctx context.Context, p Project) error {
		dir = dirOf(t, p)
		return nil
	}))

	assert.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, loader.PendingCleanups())
}

func TestCachingLoader_Disposer(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir()}
	loader := NewCachingLoader(cloner)
	defer loader.Close()

	d := &DisposerFunc{}
	params := readOnly(testSha)
	params.ReadOnly = false
	params.Disposer = d

	var dir string
	require.NoError(t, loader.DoWithProject(context.Background(), params, func(ctx context.Context, p Project) error {
		dir = dirOf(t, p)
		return nil
	}))

	assert.Equal(t, 0, loader.PendingCleanups(), "caller owns cleanup")
	assert.DirExists(t, dir)
	require.NoError(t, d.Dispose())
	assert.NoDirExists(t, dir)
}

func TestCachingLoader_Eviction(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir()}

	var mu sync.Mutex
	var evicted []string
	loader := NewCachingLoader(cloner,
		WithCapacity(2),
		WithEvictionFunc(func(e *CacheEntry) {
			mu.Lock()
			defer mu.Unlock()
			evicted = append(evicted, e.Key)
			_ = os.RemoveAll(e.BaseDir)
		}),
	)
	ctx := context.Background()
	noop := func(context.Context, Project) error { return nil }

	shas := []string{
		"1111111111111111111111111111111111111111",
		"2222222222222222222222222222222222222222",
		"3333333333333333333333333333333333333333",
	}
	require.NoError(t, loader.DoWithProject(ctx, readOnly(shas[0]), noop))
	require.NoError(t, loader.DoWithProject(ctx, readOnly(shas[1]), noop))
	// Touch the first so the second becomes least recently used.
	require.NoError(t, loader.DoWithProject(ctx, readOnly(shas[0]), noop))
	require.NoError(t, loader.DoWithProject(ctx, readOnly(shas[2]), noop))

	mu.Lock()
	require.Len(t, evicted, 1)
	assert.Equal(t, readOnly(shas[1]).CacheKey(), evicted[0])
	mu.Unlock()
	assert.Equal(t, 2, loader.Len())
	assert.Equal(t, int32(3), cloner.calls.Load())

	require.NoError(t, loader.Close())
	mu.Lock()
	assert.Len(t, evicted, 3, "close evicts remaining entries once each")
	mu.Unlock()
	require.NoError(t, loader.Close())
	mu.Lock()
	assert.Len(t, evicted, 3)
	mu.Unlock()
}

func TestCachingLoader_VanishedDirectoryIsMiss(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir()}
	loader := NewCachingLoader(cloner)
	defer loader.Close()
	ctx := context.Background()

	var first string
	require.NoError(t, loader.DoWithProject(ctx, readOnly(testSha), func(ctx context.Context, p Project) error {
		first = dirOf(t, p)
		return nil
	}))
	require.NoError(t, os.RemoveAll(first))

	var second string
	require.NoError(t, loader.DoWithProject(ctx, readOnly(testSha), func(ctx context.Context, p Project) error {
		second = dirOf(t, p)
		return nil
	}))
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), cloner.calls.Load())
}

func TestCachingLoader_CloneError(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir(), err: errors.New("network down")}
	loader := NewCachingLoader(cloner)
	defer loader.Close()

	called := false
	err := loader.DoWithProject(context.Background(), readOnly(testSha), func(context.Context, Project) error {
		called = true
		return nil
	})
	assert.EqualError(t, err, "network down")
	assert.False(t, called)
	assert.Equal(t, 0, loader.Len())
}

func TestCachingLoader_ConcurrentHits(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir()}
	loader := NewCachingLoader(cloner, WithCleanupDelay(time.Hour))
	defer loader.Close()
	ctx := context.Background()

	// Prime, then hit concurrently.
	require.NoError(t, loader.DoWithProject(ctx, readOnly(testSha), func(context.Context, Project) error { return nil }))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loader.DoWithProject(ctx, readOnly(testSha), func(ctx context.Context, p Project) error {
				ok, err := p.HasFile(ctx, "README.md")
				assert.NoError(t, err)
				assert.True(t, ok)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), cloner.calls.Load())
}

type fakeReader struct {
	files map[string]string
	calls atomic.Int32
}

func (r *fakeReader) ReadFile(_ context.Context, owner, repo, ref, path string) ([]byte, error) {
	r.calls.Add(1)
	content, ok := r.files[path]
	if !ok {
		return nil, fmt.Errorf("%s/%s@%s: %w: %s", owner, repo, ref, ErrFileNotFound, path)
	}
	return []byte(content), nil
}

func TestLazyLoader_RemoteReadsDoNotMaterialize(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir()}
	reader := &fakeReader{files: map[string]string{"package.json": "{}"}}
	lazy := NewLazyLoader(NewCachingLoader(cloner), reader, nil)

	err := lazy.DoWithProject(context.Background(), readOnly(testSha), func(ctx context.Context, p Project) error {
		assert.Equal(t, "acme", p.ID().Owner)

		ok, err := p.HasFile(ctx, "package.json")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = p.HasFile(ctx, "pom.xml")
		require.NoError(t, err)
		assert.False(t, ok)

		data, err := p.ReadFile(ctx, "package.json")
		require.NoError(t, err)
		assert.Equal(t, "{}", string(data))

		assert.False(t, p.(*LazyProject).Materialized())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(0), cloner.calls.Load())
	assert.Equal(t, int32(3), reader.calls.Load())
}

func TestLazyLoader_MaterializesOnce(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir()}
	lazy := NewLazyLoader(NewCachingLoader(cloner), &fakeReader{}, nil)

	err := lazy.DoWithProject(context.Background(), readOnly(testSha), func(ctx context.Context, p Project) error {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				files, err := p.Files(ctx, "*.md")
				assert.NoError(t, err)
				assert.Equal(t, []string{"README.md"}, files)
			}()
		}
		wg.Wait()
		assert.True(t, p.(*LazyProject).Materialized())

		// Once materialized, reads come from disk.
		data, err := p.ReadFile(ctx, "README.md")
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), cloner.calls.Load())
}

func TestLazyLoader_MaterializeError(t *testing.T) {
	cloner := &countingCloner{base: t.TempDir(), err: errors.New("denied")}
	lazy := NewLazyLoader(NewCachingLoader(cloner), nil, nil)

	err := lazy.DoWithProject(context.Background(), readOnly(testSha), func(ctx context.Context, p Project) error {
		_, err := p.BaseDir(ctx)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "materializing acme/api")
	assert.Contains(t, err.Error(), "denied")
}

func TestFuture(t *testing.T) {
	f := NewFuture[int]()
	assert.Equal(t, Pending, f.State())

	assert.True(t, f.Resolve(42))
	assert.False(t, f.Fail(errors.New("late")))
	assert.Equal(t, Ready, f.State())

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	failed := NewFuture[string]()
	failed.Fail(errors.New("boom"))
	assert.Equal(t, Failed, failed.State())
	_, err = failed.Wait(context.Background())
	assert.EqualError(t, err, "boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewFuture[int]().Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// newOrigin creates a repository with two commits and returns its path,
// branch and the two shas.
func newOrigin(t *testing.T) (string, string, string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	commit := func(name, content, msg string) string {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(t, err)
		h, err := wt.Commit(msg, &git.CommitOptions{
			Author: &object.Signature{Name: "Dev", Email: "dev@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		return h.String()
	}
	first := commit("a.txt", "one", "first")
	second := commit("b.txt", "two", "second")

	head, err := repo.Head()
	require.NoError(t, err)
	return dir, head.Name().Short(), first, second
}

func TestGitCloner_CloneAtSha(t *testing.T) {
	origin, branch, first, second := newOrigin(t)
	cloner := NewGitCloner(t.TempDir(), nil)
	ctx := context.Background()

	p, err := cloner.Clone(ctx, Params{ID: RepoRef{Owner: "acme", Repo: "api", Branch: branch, Sha: first, URL: origin}})
	require.NoError(t, err)

	sha, err := p.HeadSha(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, sha)

	ok, err := p.HasFile(ctx, "b.txt")
	require.NoError(t, err)
	assert.False(t, ok, "b.txt arrives in the second commit")

	cur, err := p.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, branch, cur)

	require.NoError(t, p.Checkout(ctx, second))
	ok, err = p.HasFile(ctx, "b.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = p.ReadFile(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestGitProject_CommitRevertPush(t *testing.T) {
	origin, branch, _, second := newOrigin(t)
	bare := filepath.Join(t.TempDir(), "bare.git")
	_, err := git.PlainClone(bare, true, &git.CloneOptions{URL: origin})
	require.NoError(t, err)

	cloner := NewGitCloner(t.TempDir(), nil)
	ctx := context.Background()
	err = cloner.DoWithProject(ctx, Params{ID: RepoRef{Owner: "acme", Repo: "api", Branch: branch, Sha: second, URL: bare}}, func(ctx context.Context, p Project) error {
		clean, err := p.IsClean(ctx)
		require.NoError(t, err)
		assert.True(t, clean)

		require.NoError(t, p.WriteFile(ctx, "scratch.txt", []byte("junk")))
		st, err := p.Status(ctx)
		require.NoError(t, err)
		assert.False(t, st.Clean)
		assert.Equal(t, []string{"scratch.txt"}, st.Changed)

		require.NoError(t, p.Revert(ctx))
		clean, err = p.IsClean(ctx)
		require.NoError(t, err)
		assert.True(t, clean)

		require.NoError(t, p.CreateBranch(ctx, "autofix"))
		require.NoError(t, p.WriteFile(ctx, "a.txt", []byte("fixed")))
		sha, err := p.Commit(ctx, "Autofix: lint", &Author{Name: "Bot", Email: "bot@example.com"})
		require.NoError(t, err)
		assert.Len(t, sha, 40)

		files, err := p.Files(ctx, "*.txt")
		require.NoError(t, err)
		assert.Equal(t, []string{"a.txt", "b.txt"}, files)

		return p.Push(ctx)
	})
	require.NoError(t, err)

	remote, err := git.PlainOpen(bare)
	require.NoError(t, err)
	ref, err := remote.Reference("refs/heads/autofix", true)
	require.NoError(t, err)
	c, err := remote.CommitObject(ref.Hash())
	require.NoError(t, err)
	assert.Equal(t, "Autofix: lint", c.Message)
}
