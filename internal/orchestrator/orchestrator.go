// Package orchestrator sequences one scrape-and-generate run: remote
// session, traffic capture, bundle preparation, generation, and the
// test/retry loop.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/crafter-station/scrapi/internal/browserbase"
	"github.com/crafter-station/scrapi/internal/capture"
	"github.com/crafter-station/scrapi/internal/config"
	"github.com/crafter-station/scrapi/internal/db"
	"github.com/crafter-station/scrapi/internal/files"
	"github.com/crafter-station/scrapi/internal/generator"
	"github.com/crafter-station/scrapi/internal/pipeline"
	"github.com/crafter-station/scrapi/internal/tester"
	"github.com/crafter-station/scrapi/internal/v0"
)

// SessionCreator starts remote browser sessions.
type SessionCreator interface {
	CreateSession(ctx context.Context, projectID string) (*browserbase.Session, error)
}

// Browser is a live DevTools connection.
type Browser interface {
	Capture(ctx context.Context, targetURL string, opts capture.Options) ([]capture.LogEntry, error)
	Close() error
}

// Connector opens a Browser on a session's connect URL.
type Connector func(ctx context.Context, controlURL string) (Browser, error)

// CodeGenerator produces and repairs the script through a chat.
type CodeGenerator interface {
	Generate(ctx context.Context, set []files.VirtualFile, userPrompt string) (*generator.Result, error)
	Retry(ctx context.Context, chatID, testOutput string, returnedEmpty bool) (*generator.Result, error)
}

// CodeTester runs a bundle's test harness. It reports failures in the
// Outcome and never returns an error.
type CodeTester interface {
	Test(ctx context.Context, set []files.VirtualFile, testArgs, workDir string) *tester.Outcome
}

// Deps are the collaborators of an Orchestrator. Store and DB are optional.
type Deps struct {
	Sessions  SessionCreator
	Connect   Connector
	Generator CodeGenerator
	Tester    CodeTester
	Enhancer  capture.BodyEnhancer
	Store     *pipeline.Store
	DB        *db.DB
	Logger    *slog.Logger
}

// Orchestrator runs pipelines. Safe for concurrent runs.
type Orchestrator struct {
	cfg      *config.Config
	sessions SessionCreator
	connect  Connector
	gen      CodeGenerator
	tester   CodeTester
	enhancer capture.BodyEnhancer
	store    *pipeline.Store
	db       *db.DB
	logger   *slog.Logger
	progress io.Writer
}

// New creates an Orchestrator from explicit collaborators.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: deps.Sessions,
		connect:  deps.Connect,
		gen:      deps.Generator,
		tester:   deps.Tester,
		enhancer: deps.Enhancer,
		store:    deps.Store,
		db:       deps.DB,
		logger:   logger,
	}
}

// NewDefault wires the production clients from cfg.
func NewDefault(cfg *config.Config, store *pipeline.Store, database *db.DB, logger *slog.Logger) *Orchestrator {
	return New(cfg, Deps{
		Sessions:  browserbase.NewClient(cfg.Browserbase),
		Connect:   ConnectRod,
		Generator: generator.New(v0.NewClient(cfg.V0), cfg.Pipeline.TemplatesDir),
		Tester:    tester.NewRunner(&tester.ExecRunner{MaxOutputBytes: cfg.Tester.MaxOutputBytes}, cfg.Tester),
		Store:     store,
		DB:        database,
		Logger:    logger,
	})
}

// ConnectRod is the Connector backed by go-rod.
func ConnectRod(ctx context.Context, controlURL string) (Browser, error) {
	b, err := capture.Connect(ctx, controlURL)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

// logf prints a progress line if a progress writer is configured.
func (o *Orchestrator) logf(format string, args ...any) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}
