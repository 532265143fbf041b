// Package sessions persists conversation transcripts per lane.
//
// Session keys mirror the queue lanes they run on:
//
//	main                        shared interactive session
//	session:{clientId}          isolated per-client session
//	cron:{jobId}:run:{runId}    one scheduled run
//
// Examples:
//
//	main
//	session:tui-8f3a
//	cron:0b6c1d:run:run-17
package sessions

import (
	"fmt"
	"strings"
)

// MainKey is the shared interactive session.
const MainKey = "main"

// ClientKey builds the isolated session key for a client. Empty clientID
// falls back to the shared main session.
func ClientKey(clientID string) string {
	if clientID == "" {
		return MainKey
	}
	return "session:" + clientID
}

// CronRunKey builds the session key for one run of a scheduled job.
// Guards against double-prefixing when jobID already carries "cron:".
func CronRunKey(jobID, runID string) string {
	jobID = strings.TrimPrefix(jobID, "cron:")
	return fmt.Sprintf("cron:%s:run:%s", jobID, runID)
}

// IsClientSession reports whether key names an isolated client session.
func IsClientSession(key string) bool {
	return strings.HasPrefix(key, "session:")
}

// IsCronSession reports whether key names a scheduled run.
func IsCronSession(key string) bool {
	return strings.HasPrefix(key, "cron:")
}

// ClientID extracts the client id from a client session key, or "" when
// the key is not one.
func ClientID(key string) string {
	if !IsClientSession(key) {
		return ""
	}
	return strings.TrimPrefix(key, "session:")
}

// LaneForKey maps a session key to the queue lane its work runs on.
// Every cron run shares the cron lane; other sessions get a lane of
// their own name.
func LaneForKey(key string) string {
	if IsCronSession(key) {
		return "cron"
	}
	return key
}
