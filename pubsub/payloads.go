package pubsub

// Channel names. Sync and auth traffic are kept apart so a slow push
// cleanup listener cannot back-pressure sync notifications.
const (
	ChanSync = "sync"
	ChanAuth = "auth"
)

// SyncComplete is published after every successful sync cycle.
type SyncComplete struct {
	TenantID      string
	UserID        string
	Entity        string
	ServerVersion int64
}

func (*SyncComplete) Type() string { return "sync_complete" }

// DeviceRevoked is published when a device session is revoked, so push
// registrations for that device can be torn down.
type DeviceRevoked struct {
	TenantID string
	UserID   string
	DeviceID string
}

func (*DeviceRevoked) Type() string { return "device_revoked" }
