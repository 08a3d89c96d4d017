package security

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/bothost/internal/llm"
)

const (
	defaultBatchSize   = 5
	defaultMaxChars    = 5000
	defaultMaxFileSize = 100 * 1024

	statementNotCode     = "Not a code file."
	statementEmpty       = "Empty file."
	statementUnavailable = "Security scan unavailable; the file was allowed without review"
)

// BatchProgress is notified after each classifier batch completes.
type BatchProgress interface {
	// OnBatch receives the files of the finished batch and every result so far.
	OnBatch(files []string, results map[string]ScanResult)
}

// BatchProgressFunc adapts a function to BatchProgress.
type BatchProgressFunc func(files []string, results map[string]ScanResult)

func (f BatchProgressFunc) OnBatch(files []string, results map[string]ScanResult) { f(files, results) }

// Config configures a Gate.
type Config struct {
	BatchSize   int
	MaxChars    int
	MaxFileSize int64
}

// Gate scans file sets through a Classifier.
type Gate struct {
	classifier  Classifier
	batchSize   int
	maxChars    int
	maxFileSize int64
	audit       *AuditLogger
	logger      *slog.Logger
}

// NewGate creates a Gate. audit may be nil.
func NewGate(classifier Classifier, cfg Config, audit *AuditLogger, logger *slog.Logger) *Gate {
	g := &Gate{
		classifier:  classifier,
		batchSize:   cfg.BatchSize,
		maxChars:    cfg.MaxChars,
		maxFileSize: cfg.MaxFileSize,
		audit:       audit,
		logger:      logger,
	}
	if g.batchSize <= 0 {
		g.batchSize = defaultBatchSize
	}
	if g.maxChars <= 0 {
		g.maxChars = defaultMaxChars
	}
	if g.maxFileSize <= 0 {
		g.maxFileSize = defaultMaxFileSize
	}
	return g
}

// Scan classifies files, given relative to dir (or absolute). Non-code files
// are marked normal without a classifier call. Code files are classified in
// batches; calls within a batch run concurrently and batches run one after
// another. progress, if not nil, fires after each batch. Every input file
// gets a result: classifier failures degrade to a normal verdict.
func (g *Gate) Scan(ctx context.Context, dir string, files []string, progress BatchProgress) map[string]ScanResult {
	results := make(map[string]ScanResult, len(files))
	var code []string
	for _, f := range files {
		if IsCodeFile(f) {
			code = append(code, f)
			continue
		}
		results[f] = ScanResult{FilePath: f, Verdict: VerdictNormal, Statement: statementNotCode}
	}

	pass := llm.NewPass()
	start := time.Now()
	for i := 0; i < len(code); i += g.batchSize {
		end := min(i+g.batchSize, len(code))
		batch := code[i:end]

		batchResults := make([]ScanResult, len(batch))
		var wg sync.WaitGroup
		for j, f := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				batchResults[j] = g.scanFile(ctx, dir, f, pass)
			}()
		}
		wg.Wait()

		for _, r := range batchResults {
			results[r.FilePath] = r
			g.record(ctx, dir, r)
		}
		if progress != nil {
			snapshot := make(map[string]ScanResult, len(results))
			for k, v := range results {
				snapshot[k] = v
			}
			progress.OnBatch(batch, snapshot)
		}
	}

	g.logger.InfoContext(ctx, "scan completed",
		slog.String("dir", dir),
		slog.Int("files", len(files)),
		slog.Int("code_files", len(code)),
		slog.Int("flagged", len(Flagged(files, results))),
		slog.Duration("duration", time.Since(start)),
	)
	return results
}

// scanFile never fails: read errors, classifier errors and panics all
// become a normal verdict with an explanatory statement.
func (g *Gate) scanFile(ctx context.Context, dir, name string, pass *llm.Pass) (res ScanResult) {
	res = ScanResult{FilePath: name, Verdict: VerdictNormal}
	defer func() {
		if r := recover(); r != nil {
			g.logger.ErrorContext(ctx, "classifier panic",
				slog.String("file", name),
				slog.Any("panic", r),
			)
			res = ScanResult{FilePath: name, Verdict: VerdictNormal, Statement: fmt.Sprintf("Scan error: %v", r), Unavailable: true}
		}
	}()

	content, err := g.readContent(dir, name)
	if err != nil {
		g.logger.WarnContext(ctx, "reading file for scan",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		res.Statement = "Could not read file: " + err.Error()
		return res
	}
	if content == "" {
		res.Statement = statementEmpty
		return res
	}

	cl, err := g.classifier.Classify(ctx, name, content, pass)
	if err != nil {
		g.logger.WarnContext(ctx, "classifier unavailable, failing open",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		res.Statement = statementUnavailable + ": " + err.Error()
		res.Unavailable = true
		return res
	}

	res.Verdict = cl.Verdict
	res.Statement = cl.Statement
	res.Model = cl.Model
	return res
}

func (g *Gate) readContent(dir, name string) (string, error) {
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, filepath.FromSlash(name))
	}
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, g.maxFileSize))
	if err != nil {
		return "", err
	}
	return truncate(string(data), g.maxChars), nil
}

func (g *Gate) record(ctx context.Context, dir string, r ScanResult) {
	if g.audit == nil {
		return
	}
	subj := SubjectFrom(ctx)
	event := ScanEvent{
		Timestamp:   time.Now().UTC(),
		UserID:      subj.UserID,
		Slot:        subj.Slot,
		Source:      subj.Source,
		Dir:         dir,
		FilePath:    r.FilePath,
		Verdict:     r.Verdict,
		Statement:   r.Statement,
		Model:       r.Model,
		Unavailable: r.Unavailable,
	}
	if err := g.audit.LogScan(ctx, event); err != nil {
		g.logger.WarnContext(ctx, "writing scan audit event",
			slog.String("file", r.FilePath),
			slog.String("error", err.Error()),
		)
	}
}
