package gitstore

import (
	"context"
	"sync"

	"github.com/dshills/reposync/internal/gitbackend"
)

// Checkpoint is an aggregate of per-repository checkpoint tokens, keyed by
// work directory absolute path.
type Checkpoint struct {
	ByPath map[string]gitbackend.Checkpoint `json:"by_path"`
}

// checkpointable collects the repositories checkpoint operations cover.
// Remote repositories cannot be checkpointed; their presence fails the
// aggregate rather than silently narrowing it.
func (s *Store) checkpointable() ([]*Repository, error) {
	repos := s.Repositories()
	for _, repo := range repos {
		if repo.mode != ModeLocal {
			return nil, ErrRemoteUnsupported
		}
	}
	return repos, nil
}

// Checkpoint snapshots every repository's working state concurrently.
// Any single failure fails the whole aggregate.
func (s *Store) Checkpoint(ctx context.Context) (Checkpoint, error) {
	repos, err := s.checkpointable()
	if err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{ByPath: make(map[string]gitbackend.Checkpoint, len(repos))}
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	for _, repo := range repos {
		wg.Add(1)
		go func(repo *Repository) {
			defer wg.Done()
			reply := submit(repo, nil, func(ctx context.Context) (gitbackend.Checkpoint, error) {
				return repo.backend.Checkpoint(ctx)
			})
			res := <-reply
			mu.Lock()
			defer mu.Unlock()
			if res.Err != nil {
				if firstErr == nil {
					firstErr = repo.wrapOp("checkpoint", res.Err)
				}
				return
			}
			cp.ByPath[repo.AbsPath()] = res.Value
		}(repo)
	}
	wg.Wait()

	if firstErr != nil {
		return Checkpoint{}, firstErr
	}
	return cp, nil
}

// RestoreCheckpoint re-applies an aggregate. Every path present in both the
// aggregate and the current repository set is restored concurrently; paths
// whose repository has since been removed are silently skipped.
func (s *Store) RestoreCheckpoint(ctx context.Context, cp Checkpoint) error {
	repos, err := s.checkpointable()
	if err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	for _, repo := range repos {
		token, ok := cp.ByPath[repo.AbsPath()]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(repo *Repository, token gitbackend.Checkpoint) {
			defer wg.Done()
			err := <-submitErr(repo, nil, func(ctx context.Context) error {
				return repo.backend.RestoreCheckpoint(ctx, token)
			})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = repo.wrapOp("restore checkpoint", err)
				}
				mu.Unlock()
			}
		}(repo, token)
	}
	wg.Wait()
	return firstErr
}

// CompareCheckpoints reports whether two aggregates capture the same state.
// The two must cover exactly the same work directory paths; a path present
// on one side only makes them unequal without consulting the backend.
func (s *Store) CompareCheckpoints(ctx context.Context, left, right Checkpoint) (bool, error) {
	if len(left.ByPath) != len(right.ByPath) {
		return false, nil
	}
	for path := range left.ByPath {
		if _, ok := right.ByPath[path]; !ok {
			return false, nil
		}
	}

	repos, err := s.checkpointable()
	if err != nil {
		return false, err
	}
	byPath := make(map[string]*Repository, len(repos))
	for _, repo := range repos {
		byPath[repo.AbsPath()] = repo
	}

	for path, leftToken := range left.ByPath {
		repo, ok := byPath[path]
		if !ok {
			// The repository is gone; its state can no longer be compared.
			return false, nil
		}
		rightToken := right.ByPath[path]
		reply := submit(repo, nil, func(ctx context.Context) (bool, error) {
			return repo.backend.CompareCheckpoints(ctx, leftToken, rightToken)
		})
		res := <-reply
		if res.Err != nil {
			return false, repo.wrapOp("compare checkpoints", res.Err)
		}
		if !res.Value {
			return false, nil
		}
	}
	return true, nil
}

// DeleteCheckpoint releases every token in an aggregate. Missing
// repositories are skipped.
func (s *Store) DeleteCheckpoint(ctx context.Context, cp Checkpoint) error {
	repos, err := s.checkpointable()
	if err != nil {
		return err
	}

	var firstErr error
	for _, repo := range repos {
		token, ok := cp.ByPath[repo.AbsPath()]
		if !ok {
			continue
		}
		err := <-submitErr(repo, nil, func(ctx context.Context) error {
			return repo.backend.DeleteCheckpoint(ctx, token)
		})
		if err != nil && firstErr == nil {
			firstErr = repo.wrapOp("delete checkpoint", err)
		}
	}
	return firstErr
}
