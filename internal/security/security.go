// Package security classifies uploaded source files as malicious or normal
// before and while they run.
//
// The gate is fail-open: when no classifier model answers, files are marked
// normal with a statement saying the scan was unavailable.
package security

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
)

// ErrClassifierUnavailable is returned by a Classifier when every model failed.
var ErrClassifierUnavailable = errors.New("classifier unavailable")

// Verdict is the classification of one file.
type Verdict string

const (
	VerdictMalicious Verdict = "malicious"
	VerdictNormal    Verdict = "normal"
)

// ScanResult is the outcome for a single file.
type ScanResult struct {
	FilePath  string  `json:"file_path"`
	Verdict   Verdict `json:"verdict"`
	Statement string  `json:"statement"`
	Model     string  `json:"model,omitempty"`
	// Unavailable marks a fail-open result.
	Unavailable bool `json:"unavailable,omitempty"`
}

// Malicious reports whether the file was flagged.
func (r ScanResult) Malicious() bool { return r.Verdict == VerdictMalicious }

// Flagged returns the malicious results, in file order.
func Flagged(files []string, results map[string]ScanResult) []ScanResult {
	var out []ScanResult
	for _, f := range files {
		if r, ok := results[f]; ok && r.Malicious() {
			out = append(out, r)
		}
	}
	return out
}

var codeExtensions = map[string]bool{
	".py":   true,
	".js":   true,
	".ts":   true,
	".java": true,
	".cpp":  true,
	".c":    true,
	".go":   true,
	".rs":   true,
	".php":  true,
	".rb":   true,
}

// IsCodeFile reports whether the file extension is sent to the classifier.
func IsCodeFile(name string) bool {
	return codeExtensions[strings.ToLower(filepath.Ext(name))]
}

// Source tells where a scan was triggered from.
type Source string

const (
	SourceUpload    Source = "upload"
	SourceWatcher   Source = "watcher"
	SourceGenerator Source = "generator"
)

// Subject identifies who a scan is run for, for audit records.
type Subject struct {
	UserID string
	Slot   int
	Source Source
}

type subjectKey struct{}

// WithSubject attaches the scan subject to ctx.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFrom returns the subject attached by WithSubject.
func SubjectFrom(ctx context.Context) Subject {
	s, _ := ctx.Value(subjectKey{}).(Subject)
	return s
}
