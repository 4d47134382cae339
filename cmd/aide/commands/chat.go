package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/aide/pkg/aide/llm"
)

// newChatCmd creates the `aide chat` REPL against the one-shot runner.
// It shares the daemon's session file but runs its own subprocess, so
// it works with or without a running daemon.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal chat",
		Long: `Chat with the assistant from the terminal. Each turn is a one-shot
LLM call carrying the REPL's own session id, so context accumulates for
the duration of the REPL.

Examples:
  aide chat
  aide chat --model sonnet`,
		RunE: runChat,
	}
	cmd.Flags().String("model", "", "model override for this session")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)
	model, _ := cmd.Flags().GetString("model")

	sessions, err := llm.NewSessionStore(cfg.DataDir)
	if err != nil {
		return err
	}
	llmCfg := cfg.LLM
	if llmCfg.WorkDir == "" {
		llmCfg.WorkDir = cfg.Workspace
	}
	runner := llm.NewRunner(llmCfg, sessions, logger)
	defer runner.Close()

	rl, err := readline.New("you> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("aide chat. /quit to exit, /new for a fresh session")
	sessionID := ""

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
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
		case "/new":
			sessionID = ""
			fmt.Println("(fresh session)")
			continue
		}

		res, err := runner.OneShot(cmd.Context(), llm.OneShotOpts{
			Prompt:    line,
			SessionID: sessionID,
			Model:     model,
			Source:    "chat-cli",
		}, llm.StreamHandlers{
			OnChunk: func(text string) { fmt.Println(text) },
		})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if res.SessionID != "" {
			sessionID = res.SessionID
		}
		if res.CostUSD > 0 {
			fmt.Printf("(%.4f USD, %s)\n", res.CostUSD, res.Duration.Round(100*time.Millisecond))
		}
	}
}
