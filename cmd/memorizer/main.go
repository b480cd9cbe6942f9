package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/memorizer/internal/config"
	"github.com/stellarlinkco/memorizer/internal/cron"
	"github.com/stellarlinkco/memorizer/internal/knowledge"
	"github.com/stellarlinkco/memorizer/internal/llm"
	"github.com/stellarlinkco/memorizer/internal/logging"
	"github.com/stellarlinkco/memorizer/internal/memory"
	"github.com/stellarlinkco/memorizer/internal/mode"
	"github.com/stellarlinkco/memorizer/internal/session"
)

// summarizeTemperature keeps long-term memory wording stable across runs.
const summarizeTemperature = 0.0

// ManagerFactory builds the session manager (allows fakes in tests).
type ManagerFactory func(cfg *config.Config, logger *zap.Logger) (*session.Manager, error)

// DefaultManagerFactory wires the agentsdk-go providers, the knowledge prefix
// and the configured interpreter into a session manager.
func DefaultManagerFactory(cfg *config.Config, logger *zap.Logger) (*session.Manager, error) {
	prefix, err := knowledge.Load(cfg.Memory.KnowledgePrefix, knowledgeDir(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}
	tokens := memory.NewTokenCounter(cfg.Memory.Tokenizer)

	chat, err := llm.New(
		llm.NewProvider(cfg.Provider, cfg.Agent.Model, cfg.Agent.MaxTokens, cfg.Agent.Temperature),
		llm.Options{Model: cfg.Agent.Model, Tokens: tokens, Logger: logger.Named("llm")},
	)
	if err != nil {
		return nil, err
	}
	memModel := cfg.MemoryModel()
	summarizer, err := llm.New(
		llm.NewProvider(cfg.MemoryProvider(), memModel, cfg.Agent.MaxTokens, summarizeTemperature),
		llm.Options{Model: memModel, Tokens: tokens, Logger: logger.Named("summarizer")},
	)
	if err != nil {
		return nil, err
	}

	var interp mode.Interpreter
	if cfg.Controller.Interpreter == "llm" {
		interp = llm.NewInterpreter(summarizer)
	}

	return session.NewManager(cfg, session.Deps{
		Completer:   chat,
		Summarizer:  summarizer,
		Interpreter: interp,
		Prefix:      prefix,
	}, session.Options{Logger: logger})
}

// Options carries injectable dependencies for the commands.
type Options struct {
	Factory ManagerFactory
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer

	// needsKey is set when the real providers are used.
	needsKey bool
}

func (o Options) withDefaults() Options {
	if o.Factory == nil {
		o.Factory = DefaultManagerFactory
		o.needsKey = true
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

func newRootCmd(opts Options) *cobra.Command {
	opts = opts.withDefaults()
	root := &cobra.Command{
		Use:           "memorizer",
		Short:         "memorizer - an assistant with layered long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(opts.Stdin)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	var (
		message   string
		sessionID string
		quiet     bool
	)
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in single message or REPL mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, sessionID, message, quiet)
		},
	}
	chatCmd.Flags().StringVarP(&message, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Session id")
	chatCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print the usage line after replies")

	var compressSession string
	compressCmd := &cobra.Command{
		Use:   "compress",
		Short: "Compress pending history into long-term memory now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompress(cmd.Context(), opts, compressSession)
		},
	}
	compressCmd.Flags().StringVarP(&compressSession, "session", "s", "", "Only compress this session")

	var (
		recordsSession string
		showRaw        bool
	)
	recordsCmd := &cobra.Command{
		Use:   "records",
		Short: "List compression records of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecords(cmd.Context(), opts, recordsSession, showRaw)
		},
	}
	recordsCmd.Flags().StringVarP(&recordsSession, "session", "s", "cli", "Session id")
	recordsCmd.Flags().BoolVar(&showRaw, "raw", false, "Print the archived raw messages of each record")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and memory usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), opts)
		},
	}

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Initialize config and knowledge directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(opts.Stdout)
		},
	}

	root.AddCommand(chatCmd, compressCmd, recordsCmd, statusCmd, newScheduleCmd(opts), onboardCmd)
	return root
}

func newScheduleCmd(opts Options) *cobra.Command {
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled compression jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(opts, func(jobs *cron.Service) error {
				listJobs(opts.Stdout, jobs.ListJobs())
				return nil
			})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs and their last run",
		Args:  cobra.NoArgs,
		RunE:  scheduleCmd.RunE,
	}

	var name, cronExpr, every, at, sessionID string
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a compression job (one of --cron, --every or --at)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schedule, err := parseSchedule(cronExpr, every, at)
			if err != nil {
				return err
			}
			return withJobs(opts, func(jobs *cron.Service) error {
				job, err := jobs.AddJob(name, schedule, cron.Payload{Action: cron.ActionCompress, SessionID: sessionID})
				if err != nil {
					return err
				}
				fmt.Fprintf(opts.Stdout, "Added job %s\n", formatJob(*job))
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&name, "name", "", "Job name")
	addCmd.Flags().StringVar(&cronExpr, "cron", "", "Cron expression, seconds optional")
	addCmd.Flags().StringVar(&every, "every", "", "Interval such as 30m")
	addCmd.Flags().StringVar(&at, "at", "", "One-off time in RFC 3339")
	addCmd.Flags().StringVarP(&sessionID, "session", "s", "", "Only compress this session")
	_ = addCmd.MarkFlagRequired("name")
	addCmd.MarkFlagsMutuallyExclusive("cron", "every", "at")
	addCmd.MarkFlagsOneRequired("cron", "every", "at")

	toggle := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <job>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withJobs(opts, func(jobs *cron.Service) error {
					job, err := jobs.EnableJob(args[0], enabled)
					if err != nil {
						return err
					}
					fmt.Fprintln(opts.Stdout, formatJob(*job))
					return nil
				})
			},
		}
	}

	removeCmd := &cobra.Command{
		Use:   "remove <job>",
		Short: "Delete a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJobs(opts, func(jobs *cron.Service) error {
				if !jobs.RemoveJob(args[0]) {
					return fmt.Errorf("job %s not found", args[0])
				}
				fmt.Fprintf(opts.Stdout, "Removed job %s\n", args[0])
				return nil
			})
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Run a scheduled job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return withJobs(opts, func(jobs *cron.Service) error {
				job, err := jobs.RunJob(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(opts.Stdout, formatJob(job))
				return nil
			})
		},
	}

	scheduleCmd.AddCommand(listCmd, addCmd,
		toggle("enable", "Enable a scheduled job", true),
		toggle("disable", "Disable a scheduled job", false),
		removeCmd, runCmd)
	return scheduleCmd
}

func main() {
	if err := newRootCmd(Options{}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// open loads config, builds the logger and the manager. The caller closes
// the returned manager and syncs the logger.
func open(opts Options) (*config.Config, *session.Manager, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	logCfg := cfg.Log
	if logCfg.File == "" {
		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return nil, nil, nil, fmt.Errorf("create config dir: %w", err)
		}
		logCfg.File = filepath.Join(config.ConfigDir(), "memorizer.log")
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	m, err := opts.Factory(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, fmt.Errorf("create session manager: %w", err)
	}
	return cfg, m, logger, nil
}

func runChat(ctx context.Context, opts Options, sessionID, message string, quiet bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, m, logger, err := open(opts)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer m.Close()

	if opts.needsKey && cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'memorizer onboard' or set MEMORIZER_API_KEY / ANTHROPIC_API_KEY")
	}
	if err := m.Start(ctx); err != nil {
		return err
	}
	s, err := m.Open(ctx, sessionID)
	if err != nil {
		return err
	}

	if message != "" {
		reply, err := send(ctx, s, message)
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		printReply(opts, reply, quiet)
		return nil
	}

	fmt.Fprintf(opts.Stdout, "memorizer chat, session %s (type 'exit' to quit, '/resume' to retry a paused turn)\n", s.ID())
	scanner := bufio.NewScanner(opts.Stdin)
	for {
		fmt.Fprint(opts.Stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		var reply session.Reply
		if input == "/resume" {
			reply, err = s.Resume(ctx)
		} else {
			reply, err = send(ctx, s, input)
		}
		if err != nil {
			fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
			continue
		}
		printReply(opts, reply, quiet)
	}
	return scanner.Err()
}

// send points the user at /resume when an earlier turn is still paused.
func send(ctx context.Context, s *session.Session, text string) (session.Reply, error) {
	reply, err := s.Send(ctx, text)
	if errors.Is(err, mode.ErrTurnPaused) {
		return reply, fmt.Errorf("%w: run /resume first", err)
	}
	return reply, err
}

func printReply(opts Options, reply session.Reply, quiet bool) {
	fmt.Fprintln(opts.Stdout, reply.Output)
	if quiet {
		return
	}
	fmt.Fprintf(opts.Stderr, "[%s tokens=%d checkpoints=%d%s | %s]\n",
		reply.Delivered, reply.Tokens, len(reply.Checkpoints), recallNote(reply), formatSizes(reply.Sizes))
}

func recallNote(reply session.Reply) string {
	if reply.Recalled {
		return " recall"
	}
	return ""
}

func formatSizes(sizes map[memory.Section]int) string {
	parts := make([]string, 0, len(memory.Sections))
	for _, sec := range memory.Sections {
		parts = append(parts, fmt.Sprintf("%s=%dB", sec, sizes[sec]))
	}
	return strings.Join(parts, " ")
}

func runCompress(ctx context.Context, opts Options, sessionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, m, logger, err := open(opts)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer m.Close()

	var results []memory.RunResult
	if sessionID != "" {
		r, err := m.Compressor().Run(ctx, sessionID)
		if err != nil {
			return err
		}
		results = []memory.RunResult{r}
	} else {
		results, err = m.Compressor().RunAll(ctx)
	}
	for _, r := range results {
		switch {
		case r.Coalesced:
			fmt.Fprintf(opts.Stdout, "%s: busy\n", r.SessionID)
		case r.Skipped || r.Record == nil:
			fmt.Fprintf(opts.Stdout, "%s: nothing to compress\n", r.SessionID)
		default:
			fmt.Fprintf(opts.Stdout, "%s: record %s (%d messages)\n", r.SessionID, r.Record.ID, len(r.Record.SourceMessageIDs))
		}
	}
	return err
}

func runRecords(ctx context.Context, opts Options, sessionID string, showRaw bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	_, m, logger, err := open(opts)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer m.Close()

	recs, err := m.Compressor().Records(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintf(opts.Stdout, "No compression records for session %s\n", sessionID)
		return nil
	}
	for _, rec := range recs {
		fmt.Fprintf(opts.Stdout, "%s  %s  %d messages  prefix %s\n",
			rec.CreatedAt.Format("2006-01-02 15:04"), rec.ID, len(rec.SourceMessageIDs), shortHash(rec.KnowledgePrefixHash))
		for _, line := range strings.Split(strings.TrimSpace(rec.ProducedSummary), "\n") {
			fmt.Fprintf(opts.Stdout, "    %s\n", line)
		}
		if !showRaw {
			continue
		}
		raw, err := m.Compressor().LoadArchive(ctx, rec)
		if err != nil {
			fmt.Fprintf(opts.Stderr, "    archive unavailable: %v\n", err)
			continue
		}
		for _, msg := range raw {
			fmt.Fprintf(opts.Stdout, "    | [%s] %s\n", msg.Role, msg.Raw)
		}
	}
	return nil
}

func runStatus(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.Stdout
	cfg, m, logger, err := open(opts)
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}
	defer logger.Sync() //nolint:errcheck
	defer m.Close()

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Memory model: %s\n", cfg.MemoryModel())
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Data: %s (%s)\n", cfg.Memory.DataDir, cfg.Memory.Storage)
	fmt.Fprintf(out, "Knowledge prefix: %s\n", shortHash(m.PrefixHash()))
	fmt.Fprintf(out, "Compression schedule: %s\n", scheduleDisplay(cfg.Memory.Schedule))
	listJobs(out, m.Cron().ListJobs())

	ids, err := m.Sessions(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, "Sessions: none")
		return nil
	}
	fmt.Fprintf(out, "Sessions: %d\n", len(ids))
	for _, id := range ids {
		st, err := m.Engine().Stats(ctx, id)
		if err != nil {
			return err
		}
		store, err := m.Store(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %s: %d messages, %d archived, %d records, pending %d | %s\n",
			id, st.Messages, st.Archived, st.Records, store.Pending(), formatSizes(store.Sizes()))
	}
	return nil
}

// withJobs opens the manager without starting it, so no job fires while the
// job list is being edited.
func withJobs(opts Options, fn func(jobs *cron.Service) error) error {
	_, m, logger, err := open(opts)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer m.Close()
	return fn(m.Cron())
}

func parseSchedule(cronExpr, every, at string) (cron.Schedule, error) {
	switch {
	case cronExpr != "":
		return cron.Schedule{Kind: cron.KindCron, Expr: cronExpr}, nil
	case every != "":
		d, err := time.ParseDuration(every)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("parse --every: %w", err)
		}
		return cron.Schedule{Kind: cron.KindEvery, EveryMs: d.Milliseconds()}, nil
	default:
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("parse --at: %w", err)
		}
		return cron.Schedule{Kind: cron.KindAt, AtMs: t.UnixMilli()}, nil
	}
}

func listJobs(out io.Writer, jobs []cron.CronJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "Jobs: none")
		return
	}
	fmt.Fprintf(out, "Jobs: %d\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(out, "  %s\n", formatJob(job))
	}
}

func formatJob(job cron.CronJob) string {
	state := "enabled"
	if !job.Enabled {
		state = "disabled"
	}
	line := fmt.Sprintf("%s [%s] %s", job.Name, state, describeSchedule(job.Schedule))
	if job.Payload.SessionID != "" {
		line += " session " + job.Payload.SessionID
	}
	st := job.State
	switch st.LastStatus {
	case "":
		line += ", never run"
	case "error":
		line += fmt.Sprintf(", last run %s error: %s", formatMs(st.LastRunAtMs), st.LastError)
	default:
		line += fmt.Sprintf(", last run %s %s: %s", formatMs(st.LastRunAtMs), st.LastStatus, st.LastResult)
	}
	return line
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.KindAt:
		return "at " + formatMs(s.AtMs)
	default:
		return "cron " + s.Expr
	}
}

func formatMs(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func runOnboard(out io.Writer) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir := knowledgeDir(cfg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create knowledge dir: %w", err)
	}
	writeIfNotExists(out, filepath.Join(dir, "00-assistant.md"), defaultKnowledgeMD)

	fmt.Fprintf(out, "Knowledge ready: %s\n", dir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set MEMORIZER_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Run 'memorizer chat -m \"Hello\"' to test")
	return nil
}

func knowledgeDir(cfg *config.Config) string {
	if dir := strings.TrimSpace(cfg.Memory.KnowledgeDir); dir != "" {
		return dir
	}
	return filepath.Join(config.ConfigDir(), "knowledge")
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func scheduleDisplay(expr string) string {
	if strings.TrimSpace(expr) == "" {
		return "disabled"
	}
	return expr
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_ = os.WriteFile(path, []byte(content), 0o644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultKnowledgeMD = `---
title: Assistant
---
You are a personal assistant with a layered memory. Long-term memory holds
stable facts and preferences about the user, one per line. Keep entries short,
prefer the user's own words, and never record secrets such as passwords or keys.
`
