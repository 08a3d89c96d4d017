// Package generator asks the model chain to write or repair bot projects.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jkaninda/bothost/internal/llm"
	"github.com/jkaninda/bothost/internal/supervisor"
)

// ErrUnsafeFileName is returned for generated file names that are empty,
// absolute or contain parent-directory segments.
var ErrUnsafeFileName = errors.New("unsafe file name")

// File is one generated file.
type File struct {
	Name    string `json:"file_name"`
	Content string `json:"content"`
}

// Fix is a repair proposal for a failing project.
type Fix struct {
	Files     []File `json:"files"`
	Statement string `json:"statement,omitempty"`
}

const generateInstruction = `You write Python chat bots that run unattended on a shared hosting service.
Produce a complete, modular project for the user's request.
Include main.py, a requirements.txt listing every third-party library, a .env holding placeholders for tokens and secrets, and any other files the project needs.
Reply with only a JSON object, no Markdown fences and no explanation:
{"files": [{"file_name": "main.py", "content": "..."}, {"file_name": "requirements.txt", "content": "..."}]}`

const fixInstruction = `You repair Python bot projects. The payload holds the project files and the console output of a failed run.
Return the full updated content of only the files that need changes, with no placeholders.
Reply with only a JSON object:
{"files": [{"file_name": "...", "content": "..."}], "statement": "<short explanation of the fix>"}`

const detectInstruction = `Decide whether the console output of a program shows an error.
Reply with only {"yes": true} when it does and {"yes": false} otherwise.`

// maxDetectChars bounds the console tail sent to DetectError.
const maxDetectChars = 4000

var filesSchema = llm.MustCompileSchema(`{
	"type": "object",
	"required": ["files"],
	"properties": {
		"files": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["file_name", "content"],
				"properties": {
					"file_name": {"type": "string"},
					"content": {"type": "string"}
				}
			}
		}
	}
}`)

var fixSchema = llm.MustCompileSchema(`{
	"type": "object",
	"required": ["files"],
	"properties": {
		"files": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["file_name", "content"],
				"properties": {
					"file_name": {"type": "string"},
					"content": {"type": "string"}
				}
			}
		},
		"statement": {"type": "string"}
	}
}`)

var detectSchema = llm.MustCompileSchema(`{
	"type": "object",
	"required": ["yes"],
	"properties": {"yes": {"type": "boolean"}}
}`)

// Generator talks to the model chain.
type Generator struct {
	chain     *llm.ModelChain
	maxTokens int
	logger    *slog.Logger
}

// New creates a generator.
func New(chain *llm.ModelChain, logger *slog.Logger) *Generator {
	return &Generator{chain: chain, maxTokens: 8192, logger: logger}
}

// Generate asks for a project matching prompt. A reply that is not valid
// files JSON, or that names an unsafe file, moves on to the next model.
func (g *Generator) Generate(ctx context.Context, prompt string) ([]File, string, error) {
	req := &llm.Request{
		SystemPrompt: generateInstruction,
		Messages:     llm.UserMessage("User request:\n" + prompt),
		MaxTokens:    g.maxTokens,
		JSON:         true,
	}
	var files []File
	_, model, err := g.chain.SendAccepted(ctx, req, llm.NewPass(), func(r *llm.Response) error {
		var out struct {
			Files []File `json:"files"`
		}
		if err := filesSchema.Decode(r.Content, &out); err != nil {
			return err
		}
		if err := validateFiles(out.Files); err != nil {
			return err
		}
		files = out.Files
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("generating files: %w", err)
	}
	g.logger.InfoContext(ctx, "project generated", slog.String("model", model), slog.Int("files", len(files)))
	return files, model, nil
}

// Repair sends the project files and console output and returns the
// proposed changes.
func (g *Generator) Repair(ctx context.Context, files []File, consoleOutput string) (*Fix, string, error) {
	payload, err := json.Marshal(map[string]any{"files": files, "console_output": consoleOutput})
	if err != nil {
		return nil, "", fmt.Errorf("encoding payload: %w", err)
	}
	req := &llm.Request{
		SystemPrompt: fixInstruction,
		Messages:     llm.UserMessage(string(payload)),
		MaxTokens:    g.maxTokens,
		JSON:         true,
	}
	var fix Fix
	_, model, err := g.chain.SendAccepted(ctx, req, llm.NewPass(), func(r *llm.Response) error {
		var out Fix
		if err := fixSchema.Decode(r.Content, &out); err != nil {
			return err
		}
		if err := validateFiles(out.Files); err != nil {
			return err
		}
		fix = out
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("requesting fix: %w", err)
	}
	return &fix, model, nil
}

// DetectError asks whether console output shows an error. It returns false
// with the error when no model gives a usable answer.
func (g *Generator) DetectError(ctx context.Context, output string) (bool, error) {
	req := &llm.Request{
		SystemPrompt: detectInstruction,
		Messages:     llm.UserMessage("Console output:\n" + supervisor.TruncateFront(output, maxDetectChars)),
		MaxTokens:    32,
		JSON:         true,
	}
	var yes bool
	_, _, err := g.chain.SendAccepted(ctx, req, llm.NewPass(), func(r *llm.Response) error {
		var out struct {
			Yes bool `json:"yes"`
		}
		if err := detectSchema.Decode(r.Content, &out); err != nil {
			return err
		}
		yes = out.Yes
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("detecting error: %w", err)
	}
	return yes, nil
}

func validateFiles(files []File) error {
	for _, f := range files {
		if err := ValidateName(f.Name); err != nil {
			return err
		}
	}
	return nil
}

// ValidateName rejects empty, absolute and parent-relative file names.
func ValidateName(name string) error {
	n := strings.ReplaceAll(name, `\`, "/")
	if strings.TrimSpace(n) == "" {
		return fmt.Errorf("%w: empty", ErrUnsafeFileName)
	}
	if strings.HasPrefix(n, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return fmt.Errorf("%w: %q is absolute", ErrUnsafeFileName, name)
	}
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q leaves the project", ErrUnsafeFileName, name)
		}
	}
	return nil
}

// WriteFiles writes files under dir and returns the names written. Every
// target is re-checked to lie inside dir after resolving symlinks.
func WriteFiles(dir string, files []File) ([]string, error) {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}
	var written []string
	for _, f := range files {
		if err := ValidateName(f.Name); err != nil {
			return written, err
		}
		rel := filepath.FromSlash(strings.ReplaceAll(f.Name, `\`, "/"))
		target := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return written, fmt.Errorf("creating directory for %s: %w", f.Name, err)
		}
		parent, err := filepath.EvalSymlinks(filepath.Dir(target))
		if err != nil {
			return written, fmt.Errorf("resolving %s: %w", f.Name, err)
		}
		if !supervisor.Within(root, parent) {
			return written, fmt.Errorf("%w: %q resolves outside the project", ErrUnsafeFileName, f.Name)
		}
		perm := os.FileMode(0644)
		if filepath.Base(target) == ".env" {
			perm = 0600
		}
		if err := os.WriteFile(filepath.Join(parent, filepath.Base(target)), []byte(f.Content), perm); err != nil {
			return written, fmt.Errorf("writing %s: %w", f.Name, err)
		}
		written = append(written, filepath.ToSlash(rel))
	}
	return written, nil
}
