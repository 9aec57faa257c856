// Package state holds the credential store shared by every browser in the
// process and the persisted backends it reads from.
package state

import "github.com/user/connhub/internal/types"

// Compile-time interface compliance checks.
var _ Backend = (*FileBackend)(nil)
var _ Backend = (*MemoryBackend)(nil)
var _ types.SessionReader = (*AuthStore)(nil)
