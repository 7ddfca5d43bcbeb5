// Package repo defines generic read access to entity stores.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the given id.
var ErrNotFound = errors.New("repo: not found")

// Reader is a generic read-only repository.
type Reader[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
}

// ListOpts controls pagination for List operations.
type ListOpts struct {
	Offset int
	Limit  int
}

// All pages through r until a short page is returned.
func All[T any, ID comparable](ctx context.Context, r Reader[T, ID], pageSize int) ([]T, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var out []T
	for offset := 0; ; offset += pageSize {
		page, err := r.List(ctx, ListOpts{Offset: offset, Limit: pageSize})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
	}
}
