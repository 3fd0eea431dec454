// Package cmd provides CLI command implementations for notegraph.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Benny93/notegraph/internal/config"
	"github.com/Benny93/notegraph/internal/graph"
	"github.com/Benny93/notegraph/internal/ingestion"
	"github.com/Benny93/notegraph/internal/logging"
	"github.com/Benny93/notegraph/internal/metrics"
	"github.com/Benny93/notegraph/internal/service"
	"github.com/Benny93/notegraph/internal/storage"
	"github.com/Benny93/notegraph/internal/vault"
	"github.com/Benny93/notegraph/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Vault   string `short:"V" default:"." type:"path" help:"Vault directory"`
	Config  string `type:"path" help:"Config file (default <vault>/.notegraph/config.yaml)"`
	Verbose bool   `short:"v" help:"Enable verbose output"`
	Quiet   bool   `short:"q" help:"Suppress non-essential output"`

	// Stdout receives command output. Defaults to os.Stdout.
	Stdout io.Writer `kong:"-"`
}

func (g *Globals) out() io.Writer {
	if g.Stdout == nil {
		return os.Stdout
	}
	return g.Stdout
}

func (g *Globals) printf(format string, args ...any) {
	fmt.Fprintf(g.out(), format, args...)
}

func (g *Globals) success(format string, args ...any) {
	color.New(color.FgGreen).Fprintf(g.out(), format+"\n", args...)
}

// IndexCmd reconciles the whole vault into the index.
type IndexCmd struct {
	Path  string `arg:"" optional:"" type:"path" help:"Vault directory (overrides --vault)"`
	Force bool   `help:"Reconcile notes whose content is unchanged"`
}

// Run executes the index command.
func (c *IndexCmd) Run(g *Globals) error {
	if c.Path != "" {
		g.Vault = c.Path
	}
	root, err := filepath.Abs(g.Vault)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("accessing %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	g.Vault = root

	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if !g.Quiet {
		g.success("Indexing %s", root)
	}

	var progress ingestion.ProgressCallback
	if !g.Quiet {
		progress = func(phase string, pct float64) {
			g.printf("\r\033[K%s (%.0f%%)", phase, pct*100)
		}
	}

	ctx := context.Background()
	result, err := ingestion.RunPipeline(ctx, a.svc, ingestion.PipelineOptions{
		Force:    c.Force,
		Progress: progress,
		Logger:   a.log,
	})
	if !g.Quiet {
		g.printf("\n")
	}
	if result == nil {
		return fmt.Errorf("running pipeline: %w", err)
	}
	if err != nil {
		a.log.WithError(err).Warn("index.partial")
	}

	stats, err := a.svc.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}

	meta := map[string]any{
		"version":    Version,
		"vault":      root,
		"run":        result,
		"stats":      stats,
		"indexed_at": time.Now().UTC().Format(time.RFC3339),
	}
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	if err := os.WriteFile(metaPath(root), metaJSON, 0o644); err != nil {
		return fmt.Errorf("writing meta.json: %w", err)
	}

	g.success("\n✓ Indexing complete")
	g.printf("  Notes:          %d\n", result.Notes)
	g.printf("  Reindexed:      %d\n", result.Reindexed)
	g.printf("  Unchanged:      %d\n", result.Unchanged)
	g.printf("  Removed:        %d\n", result.Removed)
	g.printf("  Edges:          %d\n", stats.TotalEdges)
	if result.Failed > 0 {
		color.New(color.FgYellow).Fprintf(g.out(), "  Failed:         %d\n", result.Failed)
	}
	g.printf("  Duration:       %.2fs\n", result.DurationSecs)

	return nil
}

// ReindexCmd reconciles one note.
type ReindexCmd struct {
	Key   string `arg:"" help:"Note key"`
	Force bool   `help:"Reconcile even if the content is unchanged"`
}

// Run executes the reindex command.
func (c *ReindexCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.svc.ReindexNote(context.Background(), c.Key, c.Force)
	if err != nil {
		return err
	}
	if r.Skipped {
		g.printf("%s is unchanged\n", c.Key)
		return nil
	}
	g.success("Reindexed %s (%d edges)", c.Key, r.Edges)
	if len(r.Unresolved) > 0 {
		g.printf("  Unresolved: %s\n", strings.Join(r.Unresolved, ", "))
	}
	if len(r.Cascaded) > 0 {
		g.printf("  Also reconciled: %s\n", strings.Join(r.Cascaded, ", "))
	}
	return nil
}

// RemoveCmd removes one note from the index.
type RemoveCmd struct {
	Key string `arg:"" help:"Note key"`
}

// Run executes the remove command.
func (c *RemoveCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	affected, err := a.svc.RemoveNote(context.Background(), c.Key)
	if err != nil {
		return err
	}
	g.success("Removed %s", c.Key)
	if len(affected) > 0 {
		g.printf("  Re-reconciled: %s\n", strings.Join(affected, ", "))
	}
	return nil
}

// QueryCmd runs a graph query.
type QueryCmd struct {
	Query    []string `arg:"" optional:"" help:"Query tokens, e.g. from:key depth:2 type:paper"`
	MaxNodes int      `short:"n" help:"Node budget for centered queries (default from config)"`
	JSON     bool     `help:"Print the result as JSON"`
}

// Run executes the query command.
func (c *QueryCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	kg, q, err := a.svc.QueryString(context.Background(), strings.Join(c.Query, " "), c.MaxNodes)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(g.out(), kg)
	}

	g.printf("## %s\n\n", q.Describe())
	if len(kg.Nodes) == 0 {
		g.printf("No matching notes\n")
		return nil
	}
	for _, n := range kg.Nodes {
		g.printf("%-24s %-6s in:%-3d out:%-3d %s\n", n.Key, n.Type, n.InDegree, n.OutDegree, n.Title)
	}
	if len(kg.Edges) > 0 {
		g.printf("\n")
		for _, e := range kg.Edges {
			g.printf("%s -> %s (%s, %d)\n", e.Source, e.Target, e.Type, e.Weight)
		}
	}
	g.printf("\n%d nodes, %d edges", len(kg.Nodes), len(kg.Edges))
	if kg.Pruned {
		g.printf(" (pruned)")
	}
	g.printf("\n")
	return nil
}

// StatsCmd prints graph statistics.
type StatsCmd struct {
	JSON bool `help:"Print the statistics as JSON"`
}

// Run executes the stats command.
func (c *StatsCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.svc.Stats(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(g.out(), stats)
	}

	g.printf("Nodes:    %d\n", stats.TotalNodes)
	for _, t := range sortedKeys(stats.NodesByType) {
		g.printf("  %-10s %d\n", t, stats.NodesByType[graph.NodeType(t)])
	}
	g.printf("Edges:    %d\n", stats.TotalEdges)
	for _, t := range sortedKeys(stats.EdgesByType) {
		g.printf("  %-10s %d\n", t, stats.EdgesByType[graph.EdgeType(t)])
	}
	g.printf("Orphans:  %d\n", stats.OrphanCount)
	g.printf("Hubs:     %d (degree >= %d)\n", stats.HubCount, stats.HubThreshold)
	g.printf("Degree:   avg %.2f, max %d\n", stats.AvgDegree, stats.MaxDegree)
	return nil
}

// NodeCmd shows a node and its edges.
type NodeCmd struct {
	Key string `arg:"" help:"Note key"`
}

// Run executes the node command.
func (c *NodeCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	n, err := a.svc.ReadNode(ctx, c.Key)
	if err != nil {
		return err
	}
	edges, err := a.svc.ReadEdgesFor(ctx, c.Key)
	if err != nil {
		return err
	}

	g.printf("## %s (%s)\n\n", n.Title, n.Type)
	g.printf("Key:     %s\n", n.Key)
	if n.ShortLabel != "" {
		g.printf("Label:   %s\n", n.ShortLabel)
	}
	if n.Date != "" {
		g.printf("Date:    %s\n", n.Date)
	}
	if n.ParentKey != "" {
		g.printf("Parent:  %s\n", n.ParentKey)
	}
	g.printf("Degree:  in %d, out %d\n", n.InDegree, n.OutDegree)
	if n.TimeTotal > 0 {
		g.printf("Time:    %d min (%s)\n", n.TimeTotal, n.PrimaryCategory)
	}
	if len(n.Unresolved) > 0 {
		g.printf("Unresolved: %s\n", strings.Join(n.Unresolved, ", "))
	}

	if len(edges) > 0 {
		g.printf("\n")
	}
	for _, e := range edges {
		g.printf("%s -> %s (%s, %d)", e.Source, e.Target, e.Type, e.Weight)
		if e.Annotation != "" {
			g.printf(" %q", e.Annotation)
		}
		g.printf("\n")
	}
	return nil
}

// EdgeCmd groups the manual edge commands.
type EdgeCmd struct {
	Add      EdgeAddCmd      `cmd:"" help:"Create a manual edge"`
	Rm       EdgeRmCmd       `cmd:"" help:"Remove a manual edge"`
	Annotate EdgeAnnotateCmd `cmd:"" help:"Set the annotation of a manual edge"`
}

// EdgeAddCmd creates a manual edge.
type EdgeAddCmd struct {
	Source string `arg:"" help:"Source note key"`
	Target string `arg:"" help:"Target note key"`
	Note   string `help:"Annotation"`
}

// Run executes the edge add command.
func (c *EdgeAddCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	created, err := a.svc.AddManualEdge(context.Background(), c.Source, c.Target, c.Note)
	if err != nil {
		return err
	}
	if !created {
		g.printf("Edge %s -> %s already exists\n", c.Source, c.Target)
		return nil
	}
	g.success("Created %s -> %s", c.Source, c.Target)
	return nil
}

// EdgeRmCmd removes a manual edge.
type EdgeRmCmd struct {
	Source string `arg:"" help:"Source note key"`
	Target string `arg:"" help:"Target note key"`
}

// Run executes the edge rm command.
func (c *EdgeRmCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.RemoveManualEdge(context.Background(), c.Source, c.Target); err != nil {
		return err
	}
	g.success("Removed %s -> %s", c.Source, c.Target)
	return nil
}

// EdgeAnnotateCmd sets the annotation of a manual edge.
type EdgeAnnotateCmd struct {
	Source string `arg:"" help:"Source note key"`
	Target string `arg:"" help:"Target note key"`
	Text   string `arg:"" help:"Annotation"`
}

// Run executes the edge annotate command.
func (c *EdgeAnnotateCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.SetAnnotation(context.Background(), c.Source, c.Target, c.Text); err != nil {
		return err
	}
	g.success("Annotated %s -> %s", c.Source, c.Target)
	return nil
}

// CiteCmd groups the citation commands.
type CiteCmd struct {
	Scan    CiteScanCmd    `cmd:"" help:"Scan one paper's PDF for references"`
	ScanAll CiteScanAllCmd `cmd:"" name:"scan-all" help:"Scan every paper with a PDF"`
	Write   CiteWriteCmd   `cmd:"" help:"Write accepted citations into the paper's references section"`
}

// CiteScanCmd scans one paper.
type CiteScanCmd struct {
	Key   string `arg:"" help:"Paper key"`
	Force bool   `help:"Ignore the cached scan"`
}

// Run executes the cite scan command.
func (c *CiteScanCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.svc.ScanCitations(context.Background(), c.Key, c.Force)
	if err != nil {
		return err
	}

	status := string(r.Status)
	if r.Cached {
		status += " (cached)"
	}
	g.printf("%s: %s\n", c.Key, status)
	if r.Status != graph.ScanOK {
		return nil
	}

	resolved := r.ResolvedMatches()
	for _, m := range resolved {
		g.printf("  %-24s %-12s %.2f\n", m.TargetKey, m.Method, m.Confidence)
	}
	g.printf("%d of %d references matched\n", len(resolved), len(r.Matches))
	return nil
}

// CiteScanAllCmd scans every paper.
type CiteScanAllCmd struct {
	JSON bool `help:"Print the result as JSON"`
}

// Run executes the cite scan-all command.
func (c *CiteScanAllCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.svc.ScanAllCitations(context.Background())
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(g.out(), r)
	}

	for _, it := range r.Items {
		line := fmt.Sprintf("  %-24s %-10s %d", it.Key, it.Status, it.Matches)
		if it.Cached {
			line += " (cached)"
		}
		if it.Error != "" {
			line += "  " + it.Error
		}
		g.printf("%s\n", line)
	}
	g.printf("Scanned %d, cached %d, no PDF %d, unreadable %d, failed %d, matches %d\n",
		r.Scanned, r.SkippedCached, r.SkippedNoPDF, r.Unreadable, r.Failed, r.TotalMatches)
	return nil
}

// CiteWriteCmd writes accepted citations.
type CiteWriteCmd struct {
	Key      string   `arg:"" help:"Paper key"`
	Accepted []string `arg:"" optional:"" help:"Cited note keys (default: the latest scan's matches)"`
}

// Run executes the cite write command.
func (c *CiteWriteCmd) Run(g *Globals) error {
	a, err := openApp(g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.svc.WriteCitations(context.Background(), c.Key, c.Accepted)
	if err != nil {
		return err
	}
	if r.Changed {
		g.success("Wrote %d citations to %s", len(r.Citations), c.Key)
	} else {
		g.printf("%s is up to date (%d citations)\n", c.Key, len(r.Citations))
	}
	return nil
}

// WatchCmd enables watch mode with live re-indexing.
type WatchCmd struct {
	Debounce time.Duration `default:"2s" help:"Quiet period before applying changes"`
}

// Run executes the watch command.
func (c *WatchCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle Ctrl+C
	go func() {
		<-osSignalChannel()
		g.printf("\nStopping watch mode...\n")
		cancel()
	}()

	if _, err := ingestion.RunPipeline(ctx, a.svc, ingestion.PipelineOptions{Logger: a.log}); err != nil {
		a.log.WithError(err).Warn("watch.initial_reconcile")
	}

	g.printf("## Watch Mode\n")
	g.printf("Watching %s for changes (Ctrl+C to stop)\n\n", a.cfg.Vault.Path)

	err = ingestion.WatchVault(ctx, a.svc, a.store, ingestion.WatchOptions{
		Debounce: c.Debounce,
		Logger:   a.log,
		OnBatch: func(r ingestion.BatchResult) {
			if g.Quiet {
				return
			}
			for _, k := range r.Reindexed {
				g.printf("  reindexed %s\n", k)
			}
			for _, k := range r.Removed {
				g.printf("  removed   %s\n", k)
			}
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}

	g.printf("Watch mode stopped.\n")
	return nil
}

// MCPCmd starts the MCP server.
type MCPCmd struct{}

// Run executes the mcp command.
func (c *MCPCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Note: No output to stdout - MCP server uses stdio for JSON-RPC only
	return mcp.NewServer(a.svc, a.log).Serve(ctx, nil)
}

// ServeCmd starts the MCP server with optional watch mode and metrics.
type ServeCmd struct {
	Watch       bool   `short:"w" help:"Enable file watching"`
	MetricsAddr string `help:"Serve prometheus metrics on this address (default from config)"`
}

// Run executes the serve command.
func (c *ServeCmd) Run(g *Globals) error {
	a, err := openApp(g, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := c.MetricsAddr
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsHandler(a.registry), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Error("serve.metrics")
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		fmt.Fprintf(os.Stderr, "Metrics on http://%s/metrics\n", addr)
	}

	if c.Watch {
		fmt.Fprintln(os.Stderr, "Starting MCP server with watch mode...")

		if _, err := ingestion.RunPipeline(ctx, a.svc, ingestion.PipelineOptions{Logger: a.log}); err != nil {
			a.log.WithError(err).Warn("serve.initial_reconcile")
		}
		go func() {
			err := ingestion.WatchVault(ctx, a.svc, a.store, ingestion.WatchOptions{Logger: a.log})
			if err != nil && !errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
			}
		}()
	} else {
		fmt.Fprintln(os.Stderr, "Starting MCP server...")
	}

	return mcp.NewServer(a.svc, a.log).Serve(ctx, nil)
}

// StatusCmd shows index status for the vault.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run(g *Globals) error {
	root, err := filepath.Abs(g.Vault)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	metaBytes, err := os.ReadFile(metaPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no index found at %s. Run 'notegraph index' first", root)
		}
		return fmt.Errorf("reading meta.json: %w", err)
	}

	var meta struct {
		Version   string                   `json:"version"`
		IndexedAt string                   `json:"indexed_at"`
		Run       ingestion.ReconcileStats `json:"run"`
		Stats     graph.GraphStats         `json:"stats"`
	}
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return fmt.Errorf("parsing meta.json: %w", err)
	}

	g.printf("Index status for %s\n", root)
	g.printf("  Version:        %s\n", meta.Version)
	g.printf("  Last indexed:   %s\n", meta.IndexedAt)
	g.printf("  Notes:          %d\n", meta.Stats.TotalNodes)
	g.printf("  Edges:          %d\n", meta.Stats.TotalEdges)
	g.printf("  Orphans:        %d\n", meta.Stats.OrphanCount)
	if meta.Run.Failed > 0 {
		g.printf("  Failed notes:   %d\n", meta.Run.Failed)
	}
	return nil
}

// CleanCmd deletes the index of the vault.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`
}

// Run executes the clean command.
func (c *CleanCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	indexDir := cfg.IndexPath()
	if _, err := os.Stat(indexDir); os.IsNotExist(err) {
		return fmt.Errorf("no index found at %s. Nothing to clean", cfg.Vault.Path)
	}

	if !c.Force {
		g.printf("Delete index at %s? [y/N] ", indexDir)
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			g.printf("Aborted\n")
			return nil
		}
	}

	if err := os.RemoveAll(indexDir); err != nil {
		return fmt.Errorf("deleting index: %w", err)
	}
	if err := os.Remove(metaPath(cfg.Vault.Path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting meta.json: %w", err)
	}

	g.success("Deleted %s", indexDir)
	return nil
}

// Helper functions

// app holds the handles a command works with.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *prometheus.Registry
	index    *storage.BadgerIndex
	store    *vault.Store
	svc      *service.Service
}

func (a *app) Close() {
	if err := a.index.Close(); err != nil {
		a.log.WithError(err).Warn("closing index")
	}
}

func loadConfig(g *Globals) (*config.Config, error) {
	root, err := filepath.Abs(g.Vault)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	path := g.Config
	if path == "" {
		path = filepath.Join(root, config.DataDir, "config.yaml")
	}
	cfg, err := config.Load(path, root)
	if err != nil {
		return nil, err
	}
	switch {
	case g.Verbose:
		cfg.Logging.Level = "debug"
	case g.Quiet:
		cfg.Logging.Level = "error"
	}
	return cfg, nil
}

// openApp wires config, logging, metrics, index, vault and service. With
// requireIndex set it refuses to create a new on-disk index.
func openApp(g *Globals, requireIndex bool) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	if requireIndex && !cfg.Index.InMemory {
		if _, err := os.Stat(cfg.IndexPath()); os.IsNotExist(err) {
			return nil, fmt.Errorf("no index found at %s. Run 'notegraph index' first", cfg.Vault.Path)
		}
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if err := os.MkdirAll(filepath.Join(cfg.Vault.Path, config.DataDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s directory: %w", config.DataDir, err)
	}

	opts := storage.OptionsFromConfig(cfg)
	opts.Logger = log
	opts.Metrics = m
	index, err := storage.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	store, err := vault.NewStore(cfg, log)
	if err != nil {
		_ = index.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      log,
		registry: reg,
		index:    index,
		store:    store,
		svc: service.New(service.Options{
			Config:    cfg,
			Index:     index,
			Documents: store,
			Logger:    log,
			Metrics:   m,
		}),
	}, nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func metaPath(root string) string {
	return filepath.Join(root, config.DataDir, "meta.json")
}

// osSignalChannel returns a channel that receives OS signals for graceful shutdown.
func osSignalChannel() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Index   IndexCmd   `cmd:"" help:"Reconcile the whole vault into the index"`
	Reindex ReindexCmd `cmd:"" help:"Reconcile one note"`
	Remove  RemoveCmd  `cmd:"" help:"Remove one note from the index"`
	Query   QueryCmd   `cmd:"" help:"Query the notes graph"`
	Stats   StatsCmd   `cmd:"" help:"Show graph statistics"`
	Node    NodeCmd    `cmd:"" help:"Show a node and its edges"`
	Edge    EdgeCmd    `cmd:"" help:"Manage manual edges"`
	Cite    CiteCmd    `cmd:"" help:"Scan PDFs and write citations"`
	Watch   WatchCmd   `cmd:"" help:"Watch mode with live re-indexing"`
	MCP     MCPCmd     `cmd:"" help:"Start MCP server (stdio transport)"`
	Serve   ServeCmd   `cmd:"" help:"Start MCP server with optional watch mode and metrics"`
	Status  StatusCmd  `cmd:"" help:"Show index status for the vault"`
	Clean   CleanCmd   `cmd:"" help:"Delete the index of the vault"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

// Execute parses command-line arguments and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := kong.New(c,
		kong.Name("notegraph"),
		kong.Description("Knowledge graph over a vault of markdown notes and papers"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
		kong.Bind(&c.Globals),
	)
	if err != nil {
		return err
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kongCtx.Run()
}
