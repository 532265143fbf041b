package daemon

import (
	"fmt"
	"time"

	"github.com/famulus-dev/famulus/internal/approval"
	"github.com/famulus-dev/famulus/internal/router"
	"github.com/famulus-dev/famulus/pkg/protocol"
)

// handleCommand adjusts runtime routing or reports daemon state.
func (d *Daemon) handleCommand(cmd *protocol.SystemCommandPayload) {
	switch cmd.Command {
	case protocol.CommandForceLocal:
		d.setDefaultTier(router.TierLocal)
	case protocol.CommandSwitchCloud:
		d.setDefaultTier(router.TierCloud)
	case protocol.CommandForceWorker:
		d.setDefaultTier(router.TierWorker)
	case protocol.CommandAutoRoute:
		d.setDefaultTier("")
	case protocol.CommandSetDefaultTier:
		d.commandSetTier(cmd.Args)
	case protocol.CommandStatus:
		d.broadcastStatus()
	default:
		d.logger.Warn("daemon.unknown_command", "command", cmd.Command)
		d.broadcastLog("warn", fmt.Sprintf("Unknown command %q", cmd.Command))
	}
}

func (d *Daemon) commandSetTier(args map[string]interface{}) {
	tier, _ := args["tier"].(string)
	if tier == "auto" {
		tier = ""
	}
	if tier != "" && !router.ValidTier(tier) {
		d.broadcastLog("error", fmt.Sprintf("Unknown tier %q; use tier1, tier2, worker, or auto", tier))
		return
	}
	d.setDefaultTier(tier)
}

// broadcastStatus answers the status command with a one-line summary.
// The heartbeat stays the structured telemetry channel.
func (d *Daemon) broadcastStatus() {
	snap := d.hb.Snapshot()
	d.broadcastLog("info", fmt.Sprintf(
		"state=%s active=%d pending=%d awaitingApproval=%v clients=%d tier=%s uptime=%s",
		snap.State, snap.ActiveTasks, snap.PendingTasks, snap.AwaitingApproval,
		snap.ConnectedClients, tierLabel(d.DefaultTier()),
		time.Since(d.startedAt).Round(time.Second)))
}

// handleApproval forwards the client's decision to the gate. Stale ids
// are answered with a warning; the request may have expired already.
func (d *Daemon) handleApproval(resp *protocol.ApprovalResponsePayload) {
	if err := d.approvals.Resolve(resp.ApprovalID, approval.Decision(resp.Decision)); err != nil {
		d.logger.Warn("daemon.approval_resolve_failed", "id", resp.ApprovalID, "error", err)
		d.broadcastLog("warn", fmt.Sprintf("Approval %s: %v", resp.ApprovalID, err))
	}
}
