// Package generator drives the chat service: it seeds a conversation with
// the bundle, asks for a script, and asks for fixes when tests fail.
package generator

import (
	"context"
	"fmt"

	"github.com/crafter-station/scrapi/internal/files"
	"github.com/crafter-station/scrapi/internal/prompt"
	"github.com/crafter-station/scrapi/internal/v0"
)

// ChatClient is the subset of the chat API the generator needs.
type ChatClient interface {
	Init(ctx context.Context, set []files.VirtualFile) (*v0.Chat, error)
	SendMessage(ctx context.Context, chatID, message string) (*v0.Chat, error)
}

// Result is the chat id and the files the service returned that the
// pipeline cares about.
type Result struct {
	ChatID string              `json:"chatId"`
	Files  []files.VirtualFile `json:"files"`
}

// Generator renders instructions and sends them through a ChatClient.
type Generator struct {
	chat         ChatClient
	templatesDir string
}

// New creates a Generator. templatesDir may be empty.
func New(chat ChatClient, templatesDir string) *Generator {
	return &Generator{chat: chat, templatesDir: templatesDir}
}

// Generate seeds a new conversation with set and asks for the script. The
// instruction message ends with userPrompt verbatim.
func (g *Generator) Generate(ctx context.Context, set []files.VirtualFile, userPrompt string) (*Result, error) {
	msg, err := prompt.RenderNamed(prompt.GenerateTemplate, g.templatesDir, prompt.Vars{"user_prompt": userPrompt})
	if err != nil {
		return nil, err
	}

	chat, err := g.chat.Init(ctx, set)
	if err != nil {
		return nil, err
	}
	reply, err := g.chat.SendMessage(ctx, chat.ID, msg)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", chat.ID, err)
	}
	return &Result{ChatID: chat.ID, Files: extract(reply.Files)}, nil
}

// Retry reports a failed test back to the same conversation. An empty
// result gets the trace-the-structure message, anything else the fix-the-
// error message.
func (g *Generator) Retry(ctx context.Context, chatID, testOutput string, returnedEmpty bool) (*Result, error) {
	name := prompt.RetryErrorTemplate
	if returnedEmpty {
		name = prompt.RetryEmptyTemplate
	}
	msg, err := prompt.RenderNamed(name, g.templatesDir, prompt.Vars{"test_output": testOutput})
	if err != nil {
		return nil, err
	}

	reply, err := g.chat.SendMessage(ctx, chatID, msg)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, err)
	}
	return &Result{ChatID: chatID, Files: extract(reply.Files)}, nil
}

// extract keeps the script, schema and test files, matched by name.
func extract(got []v0.File) []files.VirtualFile {
	var out []files.VirtualFile
	for _, f := range got {
		switch f.Name {
		case files.ScriptFile, files.SchemaFile, files.TestFile:
			out = append(out, files.VirtualFile{Name: f.Name, Content: f.Content})
		}
	}
	return out
}
