package security

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jkaninda/bothost/internal/llm"
)

// Classification is a classifier answer for one file.
type Classification struct {
	Verdict   Verdict
	Statement string
	Model     string
}

// Classifier labels a single file. Implementations return an error wrapping
// ErrClassifierUnavailable when no backend could answer.
type Classifier interface {
	Classify(ctx context.Context, name, content string, pass *llm.Pass) (Classification, error)
}

const classifierInstruction = `You review bot source code uploaded by users of a shared hosting service.
Decide whether the file is "malicious" or "normal".

Mark it malicious when it:
- runs shell or system commands (os.system, subprocess, exec, child_process, Runtime.exec)
- reads, writes or deletes files outside its own project directory
- tries to escalate privileges or persist on the host
- hides its behaviour through obfuscation, encoded payloads or dynamic code loading

Mark it normal for ordinary library and framework usage (discord.py, aiogram, requests, databases, web servers).
Hardcoded tokens or credentials are the owner's concern and are still normal.

Reply with only a JSON object:
{"type": "malicious" | "normal", "statement": "<one or two sentences explaining why>"}`

const fallbackStatementChars = 200

var verdictSchema = llm.MustCompileSchema(`{
	"type": "object",
	"required": ["type", "statement"],
	"properties": {
		"type": {"enum": ["malicious", "normal"]},
		"statement": {"type": "string"}
	}
}`)

// LLMClassifier asks a model chain for a verdict.
type LLMClassifier struct {
	chain     *llm.ModelChain
	maxTokens int
}

// NewLLMClassifier creates a classifier backed by chain.
func NewLLMClassifier(chain *llm.ModelChain) *LLMClassifier {
	return &LLMClassifier{chain: chain, maxTokens: 512}
}

// Classify sends the file to the chain and parses the structured verdict,
// falling back to a keyword check when the reply is not valid JSON.
func (c *LLMClassifier) Classify(ctx context.Context, name, content string, pass *llm.Pass) (Classification, error) {
	req := &llm.Request{
		SystemPrompt: classifierInstruction,
		Messages:     llm.UserMessage(fmt.Sprintf("File: %s\n\n```\n%s\n```", name, content)),
		MaxTokens:    c.maxTokens,
		JSON:         true,
	}
	resp, model, err := c.chain.Send(ctx, req, pass)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	cl := ParseVerdict(resp.Content)
	cl.Model = model
	return cl, nil
}

// ParseVerdict decodes a classifier reply. Replies that are not valid
// verdict JSON are classified malicious if they mention "malicious".
func ParseVerdict(reply string) Classification {
	var v struct {
		Type      string `json:"type"`
		Statement string `json:"statement"`
	}
	if err := verdictSchema.Decode(reply, &v); err == nil {
		return Classification{Verdict: Verdict(v.Type), Statement: v.Statement}
	}

	verdict := VerdictNormal
	if strings.Contains(strings.ToLower(reply), "malicious") {
		verdict = VerdictMalicious
	}
	return Classification{Verdict: verdict, Statement: truncate(strings.TrimSpace(reply), fallbackStatementChars)}
}

// truncate keeps the first max characters of s.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
