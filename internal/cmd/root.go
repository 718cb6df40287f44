package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	glamour "github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/x/editor"
	"github.com/charmbracelet/x/exp/ordered"
	"github.com/spf13/cobra"

	"github.com/dotcommander/yagent/internal/agent"
	"github.com/dotcommander/yagent/internal/config"
	"github.com/dotcommander/yagent/internal/engine"
	"github.com/dotcommander/yagent/internal/errs"
	"github.com/dotcommander/yagent/internal/logging"
	"github.com/dotcommander/yagent/internal/present"
	"github.com/dotcommander/yagent/internal/proto"
	"github.com/dotcommander/yagent/internal/storage"
)

type runtime struct {
	build  BuildInfo
	cfg    config.Config
	cfgErr error

	// engineOptions seeds every engine the commands build.
	engineOptions engine.Options
}

// NewRootCmd constructs the Cobra root command.
func NewRootCmd(build BuildInfo, cfg config.Config, cfgErr error) *cobra.Command {
	return newRootCmd(&runtime{build: normalizeBuildInfo(build), cfg: cfg, cfgErr: cfgErr})
}

func newRootCmd(rt *runtime) *cobra.Command {
	// XXX: unset error styles in Glamour dark and light styles.
	glamour.DarkStyleConfig.CodeBlock.Chroma.Error.BackgroundColor = new(string)
	glamour.LightStyleConfig.CodeBlock.Chroma.Error.BackgroundColor = new(string)

	rootCmd := &cobra.Command{
		Use:           "yagent [prompt]",
		Short:         "Talk to agents that use MCP tools.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example:       randomExample(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rt.cfgErr != nil {
				return rt.cfgErr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return rt.runTurn(ctx, cmd, args)
		},
	}

	rootCmd.SetUsageFunc(usageFunc)
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return newFlagParseError(err)
	})

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	rootCmd.Version = rt.build.Version
	rootCmd.SetVersionTemplate(versionTemplate(rt.build))

	initRootFlags(rootCmd, rt)

	rootCmd.AddCommand(newHistoryCmd(rt))
	rootCmd.AddCommand(newConfigCmd(rt))
	rootCmd.AddCommand(newMCPCmd(rt))
	rootCmd.AddCommand(newAgentsCmd(rt))
	rootCmd.AddCommand(newServeCmd(rt))
	rootCmd.AddCommand(newManCmd(rootCmd))

	rootCmd.InitDefaultCompletionCmd()

	return rootCmd
}

// newEngine builds an engine from the runtime settings. The caller closes it.
func (rt *runtime) newEngine(obs agent.Observer) (*engine.Engine, error) {
	opts := rt.engineOptions
	opts.Version = rt.build.Version
	if obs != nil {
		opts.Observer = obs
	}
	if opts.Logger == nil {
		logger, err := logging.New(rt.cfg.Logger)
		if err != nil {
			return nil, errs.Wrap(err, "Could not set up logging.")
		}
		opts.Logger = logger
	}

	e, err := engine.New(&rt.cfg, opts)
	if err != nil {
		if errors.As(err, new(errs.Error)) {
			return nil, err
		}
		return nil, errs.Wrap(err, "Could not start yagent. Check your settings file.")
	}
	return e, nil
}

func (rt *runtime) runTurn(ctx context.Context, cmd *cobra.Command, args []string) error {
	if os.Getenv("VIMRUNTIME") != "" {
		rt.cfg.Quiet = true
	}

	prompt, err := rt.prompt(cmd, args)
	if err != nil {
		return err
	}
	if prompt == "" {
		return errs.Error{
			Reason: "You haven't provided any prompt input.",
			Err: errs.UserErrorf(
				"You can give your prompt as arguments and/or pipe it from STDIN.\nExample: %s",
				present.StdoutStyles().InlineCode.Render("yagent [prompt]"),
			),
		}
	}
	rt.cfg.Prompt = prompt

	var obs agent.Observer = agent.NopObserver{}
	tools := newToolObserver(cmd.ErrOrStderr())
	if !rt.cfg.Quiet {
		obs = tools
	}
	e, err := rt.newEngine(obs)
	if err != nil {
		return err
	}
	defer e.Close() //nolint:errcheck
	tools.resolve = e.Servers.Resolve

	conv, err := rt.conversation(e)
	if err != nil {
		return err
	}
	if err := e.ConnectAgent(ctx, conv.AgentID); err != nil && !rt.cfg.Quiet {
		fmt.Fprintf(
			cmd.ErrOrStderr(),
			"%s %s\n",
			present.StderrStyles().Comment.Render("Some MCP servers are unavailable:"),
			err,
		)
	}

	reply, err := e.Turn(ctx, conv, rt.cfg.Prompt)
	if err != nil {
		return err
	}
	if err := rt.printReply(cmd.OutOrStdout(), reply); err != nil {
		return err
	}
	rt.printSaved(cmd.ErrOrStderr(), e, conv)
	return nil
}

// prompt assembles the prompt from the arguments, piped input and, when
// asked, the editor.
func (rt *runtime) prompt(cmd *cobra.Command, args []string) (string, error) {
	prefix := strings.Join(args, " ")
	if rt.cfg.OpenEditor && present.IsInputTTY() && strings.TrimSpace(prefix) == "" {
		edited, err := promptFromEditor()
		if err != nil {
			return "", errs.Wrap(err, "Could not read the prompt from your editor.")
		}
		prefix = edited
	}
	input, err := readStdin(cmd.InOrStdin())
	if err != nil {
		return "", errs.Wrap(err, "Could not read piped input.")
	}
	return composePrompt(prefix, input), nil
}

// conversation resolves the conversation the turn runs in. Continuing a title
// that matches nothing starts a new conversation with that title.
func (rt *runtime) conversation(e *engine.Engine) (*proto.Conversation, error) {
	cfg := &rt.cfg
	title := strings.TrimSpace(cfg.Title)

	var id string
	if cfg.ContinueLast || cfg.Continue != "" {
		if e.Store == nil {
			return nil, errs.Wrap(
				errs.UserErrorf("the conversation cache is disabled"),
				"Cannot continue a conversation with --no-cache.",
			)
		}
		rec, err := findConversation(e.Store.DB, cfg.Continue, cfg.ContinueLast)
		switch {
		case err == nil:
			id = rec.ID
		case errors.Is(err, storage.ErrNoMatches) && !cfg.ContinueLast && !storage.IDRegexp.MatchString(cfg.Continue):
			title = ordered.First(title, cfg.Continue)
		default:
			return nil, errs.Wrap(err, "Could not find the conversation.")
		}
	}

	conv, err := e.Conversation(id, cfg.Runtime.Agent)
	if err != nil {
		return nil, err
	}
	if id != "" && cfg.Runtime.Agent != "" && cfg.Runtime.Agent != conv.AgentID {
		a, err := e.Config.Agent(cfg.Runtime.Agent)
		if err != nil {
			return nil, err
		}
		conv.AgentID = a.ID
	}
	if title != "" {
		conv.Title = title
	}
	return conv, nil
}

func findConversation(db *storage.DB, in string, last bool) (*storage.Conversation, error) {
	if last || in == "" {
		return db.Latest() //nolint:wrapcheck
	}
	return db.Find(in) //nolint:wrapcheck
}

func (rt *runtime) printReply(w io.Writer, reply string) error {
	if present.IsOutputTTY() && !rt.cfg.Raw {
		formatted, err := present.RenderMarkdownForTTY(reply, rt.cfg.WordWrap)
		if err == nil {
			reply = formatted
		}
	}
	if !strings.HasSuffix(reply, "\n") {
		reply += "\n"
	}
	if _, err := io.WriteString(w, reply); err != nil {
		return errs.Wrap(err, "Could not write the reply.")
	}
	return nil
}

func (rt *runtime) printSaved(w io.Writer, e *engine.Engine, conv *proto.Conversation) {
	if rt.cfg.Quiet {
		return
	}
	styles := present.StderrStyles()
	if e.Store == nil {
		fmt.Fprintf(
			w,
			"\nConversation was not saved because %s or %s is set.\n",
			styles.InlineCode.Render("--no-cache"),
			styles.InlineCode.Render("NO_CACHE"),
		)
		return
	}
	fmt.Fprintln(
		w,
		"\nConversation saved:",
		styles.InlineCode.Render(storage.ShortID(conv.ID)),
		styles.Comment.Render(conv.Title),
	)
}

func promptFromEditor() (string, error) {
	f, err := os.CreateTemp("", "prompt-*.md")
	if err != nil {
		return "", fmt.Errorf("could not create temporary file: %w", err)
	}
	_ = f.Close()
	defer func() { _ = os.Remove(f.Name()) }()

	c, err := editor.Cmd(filepath.Base(os.Args[0]), f.Name())
	if err != nil {
		return "", fmt.Errorf("could not open editor: %w", err)
	}
	c.Stdin = os.Stdin
	c.Stderr = os.Stderr
	c.Stdout = os.Stdout
	if err := c.Run(); err != nil {
		return "", fmt.Errorf("could not open editor: %w", err)
	}
	prompt, err := os.ReadFile(f.Name())
	if err != nil {
		return "", fmt.Errorf("could not read file: %w", err)
	}
	return string(prompt), nil
}
