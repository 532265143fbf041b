package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/famulus-dev/famulus/pkg/protocol"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon's current state",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	cfg := loadConfig()
	c := dialDaemon(cfg)
	defer c.Close()

	// The next heartbeat arrives within one interval; 5s covers slow
	// custom cadences.
	env, err := c.WaitFor(context.Background(), 5*time.Second, func(e protocol.Envelope) bool {
		return e.Type == protocol.TypeHeartbeat
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "No heartbeat received: %v\n", err)
		os.Exit(1)
	}

	var hb protocol.HeartbeatPayload
	if err := env.DecodePayload(&hb); err != nil {
		fmt.Fprintf(os.Stderr, "Malformed heartbeat: %v\n", err)
		os.Exit(1)
	}

	rows := [][]string{
		{"state", hb.State},
		{"uptime", (time.Duration(hb.UptimeMs) * time.Millisecond).Round(time.Second).String()},
		{"pid", fmt.Sprintf("%d", hb.PID)},
		{"port", fmt.Sprintf("%d", hb.Port)},
		{"active tasks", fmt.Sprintf("%d", hb.ActiveTasks)},
		{"pending tasks", fmt.Sprintf("%d", hb.PendingTasks)},
		{"awaiting approval", fmt.Sprintf("%v", hb.AwaitingApproval)},
		{"connected clients", fmt.Sprintf("%d", hb.ConnectedClients)},
	}
	if ws := hb.WorkerStatus; ws != nil {
		rows = append(rows,
			[]string{"worker", fmt.Sprintf("enabled=%v model=%s", ws.Enabled, ws.Model)},
			[]string{"worker tasks", fmt.Sprintf("pending=%d running=%d completed=%d failed=%d",
				ws.Pending, ws.Running, ws.Completed, ws.Failed)})
	}
	printTable([]string{"field", "value"}, rows)
}
