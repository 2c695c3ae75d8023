package store

import "errors"

var (
	// ErrNotFound indicates that no live entity matches the given id.
	ErrNotFound = errors.New("entity not found")

	// ErrClosed is returned by Observe after Close.
	ErrClosed = errors.New("store closed")
)
