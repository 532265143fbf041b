package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/famulus-dev/famulus/internal/client"
	"github.com/famulus-dev/famulus/internal/config"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		message string
		tier    string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the daemon interactively or send a one-shot message",
		Long: `Chat with the running daemon over its WebSocket gateway.

Examples:
  famulus chat                        # Interactive REPL
  famulus chat -m "What time is it?"  # One-shot message
  famulus chat -t tier2               # Force the cloud tier`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(message, tier)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&tier, "tier", "t", "", "force a tier (tier1, tier2, worker)")

	return cmd
}

func runChat(message, tier string) {
	cfg := loadConfig()
	c := dialDaemon(cfg)
	defer c.Close()

	if message != "" {
		if err := chatTurn(c, message, tier); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Famulus Interactive Chat (%s:%d)\n", clientHost(cfg), cfg.Gateway.Port)
	fmt.Fprintln(os.Stderr, "Type \"exit\" to quit")
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}
		if err := chatTurn(c, input, tier); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Println()
	}
}

// chatTurn sends one chat:request and renders events until the turn
// ends with chat:stream:done or chat:error.
func chatTurn(c *client.Client, message, tier string) error {
	ctx := context.Background()
	requestID := uuid.NewString()[:8]

	err := c.Send(ctx, protocol.New(protocol.TypeChatRequest, protocol.ChatRequestPayload{
		RequestID: requestID,
		Content:   message,
		Tier:      tier,
	}))
	if err != nil {
		return err
	}

	streamed := false
	for {
		env, err := c.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch env.Type {
		case protocol.TypeChatStreamChunk:
			var p protocol.ChatStreamChunkPayload
			if env.DecodePayload(&p) == nil && p.RequestID == requestID {
				fmt.Print(p.Delta)
				streamed = true
			}

		case protocol.TypeChatToolCall:
			var p protocol.ChatToolCallPayload
			if env.DecodePayload(&p) == nil && p.RequestID == requestID {
				fmt.Fprintf(os.Stderr, "\n  [tool] %s\n", p.ToolName)
			}

		case protocol.TypeChatToolResult:
			var p protocol.ChatToolResultPayload
			if env.DecodePayload(&p) == nil && p.RequestID == requestID && !p.Success {
				fmt.Fprintf(os.Stderr, "  [tool] %s -> error\n", p.ToolName)
			}

		case protocol.TypeApprovalRequest:
			var p protocol.ApprovalRequestPayload
			if env.DecodePayload(&p) == nil {
				if err := promptApproval(c, p); err != nil {
					return err
				}
			}

		case protocol.TypeChatStreamDone:
			var p protocol.ChatStreamDonePayload
			if env.DecodePayload(&p) == nil && p.RequestID == requestID {
				if !streamed && p.FullText != "" {
					fmt.Print(p.FullText)
				}
				fmt.Println()
				return nil
			}

		case protocol.TypeChatError:
			var p protocol.ChatErrorPayload
			if env.DecodePayload(&p) == nil && p.RequestID == requestID {
				return fmt.Errorf("%s", p.Error)
			}
		}
	}
}

// promptApproval asks the user to allow or deny a gated tool call.
func promptApproval(c *client.Client, req protocol.ApprovalRequestPayload) error {
	fmt.Fprintf(os.Stderr, "\n  Approval needed (%s): %s — %s\n", req.Reason, req.ToolName, req.Description)
	fmt.Fprint(os.Stderr, "  Allow? [y/N] ")

	decision := protocol.DecisionDeny
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer == "y" || answer == "yes" {
			decision = protocol.DecisionAllowOnce
		}
	}

	return c.Send(context.Background(), protocol.New(protocol.TypeApprovalResponse, protocol.ApprovalResponsePayload{
		ApprovalID: req.ApprovalID,
		Decision:   decision,
	}))
}

func clientHost(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return host
}

// dialDaemon connects to the configured gateway or exits with a hint.
func dialDaemon(cfg *config.Config) *client.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, clientHost(cfg), cfg.Gateway.Port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot reach the daemon at %s:%d: %v\n", clientHost(cfg), cfg.Gateway.Port, err)
		fmt.Fprintln(os.Stderr, "Start it with: famulus daemon")
		os.Exit(1)
	}
	return c
}
