package models

import "time"

const (
	// MaxReplayRetries is the retry ceiling for a queued operation. An operation
	// whose retry count would exceed it is dropped.
	MaxReplayRetries = 3

	// ReplayTaskName identifies the deferred replay task in the task registry.
	ReplayTaskName = "sync-offline-data"

	// EventSyncOfflineData is broadcast once the outbox has been fully drained.
	EventSyncOfflineData = "SYNC_OFFLINE_DATA"

	// DateLayout is the wire format for record dates.
	DateLayout = "2006-01-02"
)

const (
	// DefaultRemoteTimeout is the HTTP timeout for remote store calls.
	DefaultRemoteTimeout = 10 * time.Second

	// DefaultProbeInterval is how often the trigger loop re-checks a registered task.
	DefaultProbeInterval = 15 * time.Second

	// DefaultListCacheTTL is the lifetime of cached collection listings.
	DefaultListCacheTTL = 5 * time.Minute

	// DefaultReplayLeaseTTL bounds how long a crashed process can hold the replay lease.
	DefaultReplayLeaseTTL = 2 * time.Minute
)
