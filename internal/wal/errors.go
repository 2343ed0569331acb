package wal

import "errors"

// ErrClosed reports an operation attempted after [Manager.Shutdown].
var ErrClosed = errors.New("wal: manager is closed")

// ErrTxnNotActive reports an operation against a transaction that has
// already committed or aborted.
var ErrTxnNotActive = errors.New("wal: transaction is not active")

// ErrAlreadyCheckpointing reports a checkpoint requested while one is
// already in flight; spec §4.5 guards this with a single flag to prevent
// recursion.
var ErrAlreadyCheckpointing = errors.New("wal: checkpoint already in progress")

// ErrBadMagic reports a metadata sector that failed its magic check; per
// spec §7 the caller must assume a fresh filesystem.
var ErrBadMagic = errors.New("wal: metadata magic mismatch")

// errNoBackend reports an abort or checkpoint attempted before
// [Manager.AttachBackend] wired in the buffer cache.
var errNoBackend = errors.New("wal: no backend attached")
