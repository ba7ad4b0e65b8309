package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ridgetop/ridgeline/backend/agent"
	"github.com/ridgetop/ridgeline/backend/event"
	"github.com/ridgetop/ridgeline/backend/model"
	"github.com/ridgetop/ridgeline/backend/tool"
	"github.com/ridgetop/ridgeline/shared/config"
)

func NewChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			options := getGlobalOptions(cmd.Context())
			cfg, err := config.Load(options.ConfigPath)
			if err != nil {
				return err
			}
			return runChat(cmd, cfg)
		},
	}
}

func buildRegistry(cfg *config.Config, log *slog.Logger) (*model.Registry, error) {
	registry := model.NewRegistry()
	for _, name := range cfg.ConfiguredProviders() {
		key := cfg.APIKey(name)
		var opts []model.ProviderOption
		if base := cfg.Providers[name].BaseURL; base != "" {
			opts = append(opts, model.WithProviderBaseURL(base))
		}
		switch name {
		case "anthropic":
			registry.Register(model.NewAnthropicProvider(key, log, opts...))
		case "openai":
			registry.Register(model.NewOpenAIProvider(key, log, opts...))
		case "grok":
			registry.Register(model.NewGrokProvider(key, log, opts...))
		case "groq":
			registry.Register(model.NewGroqProvider(key, log, opts...))
		case "google":
			registry.Register(model.NewGeminiProvider(key, log, opts...))
		}
	}
	if cfg.DefaultProvider != "" {
		if err := registry.SetDefault(cfg.DefaultProvider); err != nil {
			return nil, err
		}
	}
	if len(registry.List()) == 0 {
		return nil, fmt.Errorf("no providers configured; set RIDGELINE_<PROVIDER>_API_KEY or add keys to %s", defaultConfigPath())
	}
	return registry, nil
}

func runChat(cmd *cobra.Command, cfg *config.Config) error {
	log := slog.Default()
	out := cmd.OutOrStdout()

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return err
	}

	gate := tool.NewGate(cfg.WorkingDir)
	gate.SetDangerousMode(cfg.DangerousMode)
	gate.SetAllowedPaths(cfg.AllowedPaths)
	executor := tool.NewExecutor(gate, cfg.WorkingDir, log)

	managerOpts := []model.ManagerOption{
		model.WithTools(executor.Definitions()),
	}
	if cfg.SystemPrompt != "" {
		managerOpts = append(managerOpts, model.WithSystemPrompt(cfg.SystemPrompt))
	}
	manager := model.NewManager(registry, log, managerOpts...)

	engineOpts := []agent.EngineOption{
		agent.WithContextBudget(cfg.ContextBudget),
	}
	if cfg.MaxTurns > 0 {
		engineOpts = append(engineOpts, agent.WithMaxTurns(cfg.MaxTurns))
	}

	feed := event.NewFeed[agent.Event](0, prometheus.NewRegistry())
	engine := agent.NewEngine(manager, executor, feed, log, engineOpts...)

	events, sub := feed.Subscribe()
	defer sub.Unsubscribe()

	if cfg.DangerousMode {
		fmt.Fprintln(out, "! dangerous mode is on: confirmations are waived")
	}
	fmt.Fprintf(out, "ridgeline chat (%s / %s). /help for commands.\n", manager.CurrentProvider(), manager.CurrentModel())

	runCtx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	group, ctx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return engine.Run(ctx)
	})
	group.Go(func() error {
		renderEvents(out, events)
		return nil
	})

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := handleCommand(out, engine, manager, gate, line); quit {
				break
			}
			continue
		}
		engine.SendMessage(line)
	}

	cancel()
	return group.Wait()
}

func handleCommand(out io.Writer, engine *agent.Engine, manager *model.Manager, gate *tool.Gate, line string) bool {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/cancel":
		engine.Cancel()
	case "/provider":
		if arg == "" {
			fmt.Fprintf(out, "provider: %s\n", manager.CurrentProvider())
			break
		}
		engine.SetProvider(arg)
	case "/model":
		if arg == "" {
			fmt.Fprintf(out, "model: %s\n", manager.CurrentModel())
			break
		}
		engine.SetModel(arg)
	case "/dangerous":
		gate.SetDangerousMode(!gate.DangerousMode())
		fmt.Fprintf(out, "dangerous mode: %v\n", gate.DangerousMode())
	case "/confirm":
		engine.ConfirmTool(arg)
	case "/reject":
		engine.RejectTool(arg)
	case "/help":
		fmt.Fprintln(out, "commands: /cancel /provider [name] /model [id] /dangerous /confirm <id> /reject <id> /quit")
	default:
		fmt.Fprintf(out, "unknown command %s\n", fields[0])
	}
	return false
}

func renderEvents(out io.Writer, events <-chan agent.Event) {
	for ev := range events {
		switch ev.Kind {
		case agent.EventChunk:
			renderChunk(out, ev.Chunk)
		case agent.EventToolUseRequested:
			renderToolRequest(out, ev)
		case agent.EventToolExecuted:
			status := "ok"
			if !ev.Success {
				status = "failed"
			}
			fmt.Fprintf(out, "\n[tool %s: %s]\n", ev.ToolUseID, status)
		case agent.EventTurnComplete:
			if ev.Usage != nil {
				fmt.Fprintf(out, "\n(%d in / %d out tokens)\n", ev.Usage.InputTokens, ev.Usage.OutputTokens)
			} else {
				fmt.Fprintln(out)
			}
		case agent.EventError:
			fmt.Fprintf(out, "\n! %s\n", ev.Message)
		case agent.EventContextTruncated:
			t := ev.Truncation
			fmt.Fprintf(out, "\n[context compacted: dropped %d messages at %d/%d tokens]\n",
				t.SegmentsDropped, t.TokensUsed, t.Budget)
		}
	}
}

func renderChunk(out io.Writer, chunk model.StreamChunk) {
	switch c := chunk.(type) {
	case model.DeltaChunk:
		if d, ok := c.Delta.(model.TextDelta); ok {
			fmt.Fprint(out, d.Text)
		}
	}
}

func renderToolRequest(out io.Writer, ev agent.Event) {
	use := ev.ToolUse
	switch ev.Check {
	case tool.CheckAllowed:
		fmt.Fprintf(out, "\n[running %s %s]\n", use.Name, use.Input)
	case tool.CheckRequiresConfirmation:
		fmt.Fprintf(out, "\n[%s wants to run %s\n confirm with /confirm %s or decline with /reject %s]\n",
			use.Name, use.Input, use.ID, use.ID)
	default:
		fmt.Fprintf(out, "\n[%s blocked: %s]\n", use.Name, ev.Check)
	}
}
