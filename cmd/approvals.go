package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/famulus-dev/famulus/pkg/protocol"
)

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and answer pending tool approvals",
	}

	cmd.AddCommand(approvalsListCmd())
	cmd.AddCommand(approvalsResolveCmd())

	return cmd
}

// approvalsListCmd reports whether anything awaits approval and watches
// briefly for request frames. The wire protocol broadcasts requests as
// they happen; there is no replay, so ids of already-pending requests
// appear in the client that triggered them.
func approvalsListCmd() *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show whether the daemon is blocked on an approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			c := dialDaemon(cfg)
			defer c.Close()

			ctx := context.Background()
			env, err := c.WaitFor(ctx, 5*time.Second, func(e protocol.Envelope) bool {
				return e.Type == protocol.TypeHeartbeat
			}, nil)
			if err != nil {
				return fmt.Errorf("no heartbeat received: %w", err)
			}
			var hb protocol.HeartbeatPayload
			if err := env.DecodePayload(&hb); err != nil {
				return err
			}

			if !hb.AwaitingApproval {
				fmt.Println("Nothing awaiting approval.")
				return nil
			}
			fmt.Printf("Daemon state: %s — a tool call is blocked on approval.\n", hb.State)
			fmt.Printf("Watching %s for new approval requests...\n", watch)

			deadline := time.Now().Add(watch)
			for time.Now().Before(deadline) {
				env, err := c.WaitFor(ctx, time.Until(deadline), func(e protocol.Envelope) bool {
					return e.Type == protocol.TypeApprovalRequest
				}, nil)
				if err != nil {
					break
				}
				var req protocol.ApprovalRequestPayload
				if env.DecodePayload(&req) == nil {
					fmt.Printf("  %s  %s (%s): %s\n", req.ApprovalID, req.ToolName, req.Reason, req.Description)
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&watch, "watch", "w", 3*time.Second, "how long to watch for request frames")
	return cmd
}

func approvalsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <approval-id> <allow-once|deny>",
		Short: "Answer a pending approval request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, decision := args[0], args[1]
			if decision != protocol.DecisionAllowOnce && decision != protocol.DecisionDeny {
				return fmt.Errorf("decision must be %q or %q", protocol.DecisionAllowOnce, protocol.DecisionDeny)
			}

			cfg := loadConfig()
			c := dialDaemon(cfg)
			defer c.Close()

			ctx := context.Background()
			err := c.Send(ctx, protocol.New(protocol.TypeApprovalResponse, protocol.ApprovalResponsePayload{
				ApprovalID: id,
				Decision:   decision,
			}))
			if err != nil {
				return err
			}

			env, err := c.WaitFor(ctx, 3*time.Second, func(e protocol.Envelope) bool {
				if e.Type != protocol.TypeApprovalResolved {
					return false
				}
				var p protocol.ApprovalResolvedPayload
				return e.DecodePayload(&p) == nil && p.ApprovalID == id
			}, nil)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Sent; no resolution frame observed (the request may have already expired).")
				return nil
			}
			var p protocol.ApprovalResolvedPayload
			_ = env.DecodePayload(&p)
			fmt.Printf("Resolved %s: %s\n", id, p.Decision)
			return nil
		},
	}
}
