package project

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// FutureState is the lifecycle of a Future.
type FutureState int

const (
	Pending FutureState = iota
	Ready
	Failed
)

func (s FutureState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Future holds a value computed once. The first Resolve or Fail wins.
type Future[T any] struct {
	once sync.Once
	done chan struct{}

	state FutureState
	val   T
	err   error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve completes the future with v. Reports whether it won.
func (f *Future[T]) Resolve(v T) bool {
	won := false
	f.once.Do(func() {
		f.val, f.state, won = v, Ready, true
		close(f.done)
	})
	return won
}

// Fail completes the future with err. Reports whether it won.
func (f *Future[T]) Fail(err error) bool {
	won := false
	f.once.Do(func() {
		f.err, f.state, won = err, Failed, true
		close(f.done)
	})
	return won
}

// Wait blocks until the future completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// State returns the current state without blocking.
func (f *Future[T]) State() FutureState {
	select {
	case <-f.done:
		return f.state
	default:
		return Pending
	}
}

// RemoteFileReader reads single files from a hosted repository without a
// clone. Missing files return an error wrapping ErrFileNotFound.
type RemoteFileReader interface {
	ReadFile(ctx context.Context, owner, repo, ref, path string) ([]byte, error)
}

// LazyLoader hands actions a project that only materializes, through the
// wrapped loader, when something needs a working copy.
type LazyLoader struct {
	loader  Loader
	reader  RemoteFileReader
	logger  *zap.Logger
	metrics *Metrics
}

// NewLazyLoader wraps loader. reader may be nil, in which case every file
// access materializes.
func NewLazyLoader(loader Loader, reader RemoteFileReader, logger *zap.Logger) *LazyLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LazyLoader{loader: loader, reader: reader, logger: logger}
}

// SetMetrics enables lazy loading metrics.
func (l *LazyLoader) SetMetrics(m *Metrics) { l.metrics = m }

func (l *LazyLoader) DoWithProject(ctx context.Context, params Params, action Action) error {
	lp := &LazyProject{
		loader:  l,
		params:  params,
		future:  NewFuture[Project](),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	defer lp.close()
	return action(ctx, lp)
}

// LazyProject answers identity and single-file queries without a clone.
type LazyProject struct {
	loader *LazyLoader
	params Params

	once    sync.Once
	future  *Future[Project]
	release chan struct{}
	done    chan struct{}
	started atomic.Bool
}

// Materialized reports whether a working copy exists.
func (p *LazyProject) Materialized() bool {
	return p.future.State() == Ready
}

// materialize acquires the working copy through the wrapped loader, whose
// scope is held open until the outer action returns.
func (p *LazyProject) materialize(ctx context.Context) (Project, error) {
	p.once.Do(func() {
		p.started.Store(true)
		if p.loader.metrics != nil {
			p.loader.metrics.MaterializationsTotal.Inc()
		}
		p.loader.logger.Debug("materializing lazy project",
			zap.String("repo", p.params.ID.Slug()),
			zap.String("sha", p.params.ID.Sha))
		go func() {
			defer close(p.done)
			err := p.loader.loader.DoWithProject(context.WithoutCancel(ctx), p.params, func(_ context.Context, real Project) error {
				p.future.Resolve(real)
				<-p.release
				return nil
			})
			if err != nil {
				p.future.Fail(fmt.Errorf("materializing %s: %w", p.params.ID.Slug(), err))
			}
		}()
	})
	return p.future.Wait(ctx)
}

func (p *LazyProject) close() {
	close(p.release)
	if p.started.Load() {
		<-p.done
	}
}

func (p *LazyProject) remoteRef() string {
	if p.params.ID.Sha != "" {
		return p.params.ID.Sha
	}
	return p.params.ID.Branch
}

func (p *LazyProject) canReadRemotely() bool {
	return p.loader.reader != nil && !p.Materialized() && p.remoteRef() != ""
}

func (p *LazyProject) ID() RepoRef { return p.params.ID }

func (p *LazyProject) BaseDir(ctx context.Context) (string, error) {
	real, err := p.materialize(ctx)
	if err != nil {
		return "", err
	}
	return real.BaseDir(ctx)
}

func (p *LazyProject) HasFile(ctx context.Context, path string) (bool, error) {
	if p.canReadRemotely() {
		_, err := p.ReadFile(ctx, path)
		if errors.Is(err, ErrFileNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	real, err := p.materialize(ctx)
	if err != nil {
		return false, err
	}
	return real.HasFile(ctx, path)
}

func (p *LazyProject) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if p.canReadRemotely() {
		ref := p.params.ID
		data, err := p.loader.reader.ReadFile(ctx, ref.Owner, ref.Repo, p.remoteRef(), path)
		if err == nil || errors.Is(err, ErrFileNotFound) {
			if p.loader.metrics != nil {
				p.loader.metrics.RemoteReadsTotal.Inc()
			}
			return data, err
		}
		p.loader.logger.Debug("remote read failed, materializing", zap.String("path", path), zap.Error(err))
	}
	real, err := p.materialize(ctx)
	if err != nil {
		return nil, err
	}
	return real.ReadFile(ctx, path)
}

func (p *LazyProject) WriteFile(ctx context.Context, path string, data []byte) error {
	real, err := p.materialize(ctx)
	if err != nil {
		return err
	}
	return real.WriteFile(ctx, path, data)
}

func (p *LazyProject) Files(ctx context.Context, pattern string) ([]string, error) {
	real, err := p.materialize(ctx)
	if err != nil {
		return nil, err
	}
	return real.Files(ctx, pattern)
}

func (p *LazyProject) Status(ctx context.Context) (Status, error) {
	real, err := p.materialize(ctx)
	if err != nil {
		return Status{}, err
	}
	return real.Status(ctx)
}

func (p *LazyProject) IsClean(ctx context.Context) (bool, error) {
	real, err := p.materialize(ctx)
	if err != nil {
		return false, err
	}
	return real.IsClean(ctx)
}

func (p *LazyProject) CurrentBranch(ctx context.Context) (string, error) {
	real, err := p.materialize(ctx)
	if err != nil {
		return "", err
	}
	return real.CurrentBranch(ctx)
}

func (p *LazyProject) HeadSha(ctx context.Context) (string, error) {
	real, err := p.materialize(ctx)
	if err != nil {
		return "", err
	}
	return real.HeadSha(ctx)
}

func (p *LazyProject) Commit(ctx context.Context, message string, author *Author) (string, error) {
	real, err := p.materialize(ctx)
	if err != nil {
		return "", err
	}
	return real.Commit(ctx, message, author)
}

func (p *LazyProject) Revert(ctx context.Context) error {
	real, err := p.materialize(ctx)
	if err != nil {
		return err
	}
	return real.Revert(ctx)
}

func (p *LazyProject) Push(ctx context.Context) error {
	real, err := p.materialize(ctx)
	if err != nil {
		return err
	}
	return real.Push(ctx)
}

func (p *LazyProject) Checkout(ctx context.Context, ref string) error {
	real, err := p.materialize(ctx)
	if err != nil {
		return err
	}
	return real.Checkout(ctx, ref)
}

func (p *LazyProject) CreateBranch(ctx context.Context, name string) error {
	real, err := p.materialize(ctx)
	if err != nil {
		return err
	}
	return real.CreateBranch(ctx, name)
}
