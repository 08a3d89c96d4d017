package hoster

import (
	"context"
	"errors"

	"github.com/jkaninda/bothost/internal/archive"
	"github.com/jkaninda/bothost/internal/envfile"
	"github.com/jkaninda/bothost/internal/generator"
	"github.com/jkaninda/bothost/internal/installer"
	"github.com/jkaninda/bothost/internal/llm"
	"github.com/jkaninda/bothost/internal/ratelimit"
	"github.com/jkaninda/bothost/internal/security"
	"github.com/jkaninda/bothost/internal/session"
	"github.com/jkaninda/bothost/internal/supervisor"
	"github.com/jkaninda/bothost/internal/watcher"
)

// Error kinds reported to clients next to the error statement.
const (
	KindCapacityExceeded      = "capacity_exceeded"
	KindPathEscape            = "path_escape"
	KindNotAnArchive          = "not_an_archive"
	KindTooManyEntries        = "too_many_entries"
	KindUnsafePath            = "unsafe_path"
	KindCorruptArchive        = "corrupt_archive"
	KindExtractFailed         = "extract_failed"
	KindArchiveTooLarge       = "archive_too_large"
	KindClassifierUnavailable = "classifier_unavailable"
	KindMaliciousCode         = "malicious_code"
	KindSpawnFailed           = "spawn_failed"
	KindStopFailed            = "stop_failed"
	KindSessionNotFound       = "session_not_found"
	KindSlotConflict          = "slot_conflict"
	KindEntryNotSelected      = "entry_not_selected"
	KindInvalidInput          = "invalid_input"
	KindGeneratorDisabled     = "generator_disabled"
	KindRateLimited           = "rate_limited"
	KindTimeout               = "timeout"
	KindInternal              = "internal"
)

// ErrorKind maps an error to its short machine-checkable kind.
func ErrorKind(err error) string {
	var unsafe *archive.UnsafePathError
	var chain *llm.ChainError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrCapacityExceeded):
		return KindCapacityExceeded
	case errors.Is(err, session.ErrSessionNotFound):
		return KindSessionNotFound
	case errors.Is(err, session.ErrSlotConflict):
		return KindSlotConflict
	case errors.Is(err, supervisor.ErrPathEscape), errors.Is(err, watcher.ErrOutsideDir):
		return KindPathEscape
	case errors.Is(err, supervisor.ErrProcessSpawnFailed):
		return KindSpawnFailed
	case errors.Is(err, supervisor.ErrProcessStopFailed):
		return KindStopFailed
	case errors.As(err, &unsafe):
		return KindUnsafePath
	case errors.Is(err, archive.ErrNotAnArchive):
		return KindNotAnArchive
	case errors.Is(err, archive.ErrTooManyEntries):
		return KindTooManyEntries
	case errors.Is(err, archive.ErrCorruptArchive):
		return KindCorruptArchive
	case errors.Is(err, archive.ErrExtract):
		return KindExtractFailed
	case errors.Is(err, ErrArchiveTooLarge):
		return KindArchiveTooLarge
	case errors.Is(err, ErrMaliciousCode):
		return KindMaliciousCode
	case errors.Is(err, ErrEntryNotSelected):
		return KindEntryNotSelected
	case errors.Is(err, ErrGeneratorDisabled):
		return KindGeneratorDisabled
	case errors.Is(err, envfile.ErrInvalidKey),
		errors.Is(err, installer.ErrInvalidPackage),
		errors.Is(err, installer.ErrNothingToInstall),
		errors.Is(err, generator.ErrUnsafeFileName),
		errors.Is(err, ErrNothingToRepair):
		return KindInvalidInput
	case errors.Is(err, security.ErrClassifierUnavailable), errors.As(err, &chain):
		return KindClassifierUnavailable
	case errors.Is(err, ratelimit.ErrRateLimited), errors.Is(err, llm.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}
