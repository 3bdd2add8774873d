package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/txtchat/cmd/txtchat/internal"
	"github.com/tinyland-inc/txtchat/pkg/chat"
	"github.com/tinyland-inc/txtchat/pkg/engine"
	"github.com/tinyland-inc/txtchat/pkg/logger"
)

func agentCmd(ctx context.Context, message, session, configPath string, debug bool) error {
	if session == "" {
		session = "cli:default"
	}

	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	internal.ConfigureLogging(cfg.Logging, debug)
	defer logger.Sync()

	provider, err := engine.CreateProvider(cfg.Engine, cfg.Action, cfg.MaxLength)
	if err != nil {
		return fmt.Errorf("error creating engine: %w", err)
	}
	if s, ok := provider.(interface{ Stop() error }); ok {
		defer func() { _ = s.Stop() }()
	}
	responder := engine.NewResponder(provider, engine.WithFallback(cfg.Engine.Fallback))

	logger.InfoCF("agent", "Engine initialized", map[string]any{
		"engine":  provider.Name(),
		"session": session,
	})

	if message != "" {
		fmt.Printf("\n%s %s\n", internal.Logo, responder.Generate(ctx, message, session))
		return nil
	}

	fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", internal.Logo)
	interactiveMode(ctx, responder, session)

	return nil
}

func interactiveMode(ctx context.Context, eng chat.Engine, session string) {
	prompt := fmt.Sprintf("%s You: ", internal.Logo)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".txtchat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, os.Stdin, os.Stdout, eng, session)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return
		}

		fmt.Printf("\n%s %s\n\n", internal.Logo, eng.Generate(ctx, input, session))
	}
}

func simpleInteractiveMode(ctx context.Context, in io.Reader, out io.Writer, eng chat.Engine, session string) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(out, "%s You: ", internal.Logo)
		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(out, "Error reading input: %v\n", err)
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(out, "Goodbye!")
			return
		}

		fmt.Fprintf(out, "\n%s %s\n\n", internal.Logo, eng.Generate(ctx, input, session))
	}
}
