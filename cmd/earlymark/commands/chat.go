package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/agent"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/llm"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/store/memstore"
)

const dryRunReply = "Thanks for your message. This is a dry run, so no model was called."

// newChatCmd creates `earlymark chat` for talking to the agent as a customer.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the agent as a customer would",
		Long: `Send a message to the agent, or start an interactive session when no
message is given. Each session is a new conversation.

Examples:
  earlymark chat "Can you fix a leaking tap tomorrow?"
  earlymark chat --workspace ws-1 --channel sms
  earlymark chat --memory --dry-run --mode EXECUTE`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("workspace", "w", "demo", "workspace ID")
	cmd.Flags().String("channel", string(domain.ChannelChat), "channel (chat, sms, email, voice)")
	cmd.Flags().String("from", "cli", "sender identity")
	cmd.Flags().Bool("memory", false, "use an in-memory store instead of the database")
	cmd.Flags().String("mode", string(domain.ModeReceptionist), "autonomy mode for the in-memory workspace")
	cmd.Flags().Bool("dry-run", false, "answer with a canned reply instead of calling the model")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, logger, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	workspace, _ := cmd.Flags().GetString("workspace")
	channel, _ := cmd.Flags().GetString("channel")
	from, _ := cmd.Flags().GetString("from")
	useMemory, _ := cmd.Flags().GetBool("memory")
	mode, _ := cmd.Flags().GetString("mode")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	var (
		data backend
		mem  domain.MemorySearcher
	)
	if useMemory {
		ms := memstore.New()
		ms.PutSettings(domain.WorkspaceSettings{
			WorkspaceID:  workspace,
			BusinessName: cfg.Name,
			AutonomyMode: domain.AutonomyMode(strings.ToUpper(mode)),
		})
		data, mem = ms, ms
	} else {
		st, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()
		data, mem = st, newSearcher(ctx, cfg, st, logger)
	}

	var model llm.Model
	if dryRun {
		model = llm.NewScripted(llm.TextStep(dryRunReply)).Repeat()
	} else if model, err = llm.New(ctx, cfg.Model); err != nil {
		return fmt.Errorf("model provider: %w", err)
	}

	rt, err := buildRuntime(cfg, data, mem, model, logger)
	if err != nil {
		return err
	}

	s := &chatSession{
		agent: rt.agent,
		out:   cmd.OutOrStdout(),
		base: agent.Inbound{
			WorkspaceID:     workspace,
			Channel:         domain.Channel(strings.ToLower(channel)),
			FromIdentity:    from,
			ConversationRef: "cli-" + uuid.NewString(),
		},
	}

	if len(args) > 0 {
		return s.send(ctx, args[0])
	}
	return s.repl(ctx)
}

type chatSession struct {
	agent *agent.Agent
	out   io.Writer
	base  agent.Inbound
}

func (s *chatSession) send(ctx context.Context, text string) error {
	in := s.base
	in.Text = text

	hooks := agent.Hooks{
		OnText: func(fragment string) { fmt.Fprint(s.out, fragment) },
		OnEvent: func(e agent.Event) {
			if e.Kind != agent.EventToolResult || e.Record == nil {
				return
			}
			status := "ok"
			if e.Record.Failed() {
				status = "failed"
			}
			fmt.Fprintf(s.out, "\n  [%s %s]\n", e.Record.Tool, status)
		},
	}

	out, err := s.agent.HandleInbound(ctx, in, hooks)
	fmt.Fprintln(s.out)
	if err != nil {
		return err
	}
	if out.Verdict != nil {
		fmt.Fprintf(s.out, "  [triage %s]\n", out.Verdict.Recommendation)
	}
	return nil
}

func (s *chatSession) repl(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".earlymark_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	fmt.Fprintf(s.out, "Conversation %s. Type /quit to exit.\n", s.base.ConversationRef)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		fmt.Fprint(s.out, "agent> ")
		if err := s.send(ctx, line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}
