// Package platform defines the contract the push subsystem consumes
// from the native notification layer. Implementations live in
// subpackages; tests use in-memory fakes.
package platform

import "context"

// OS identifies the host operating system reported by the native layer.
type OS string

const (
	OSiOS     OS = "ios"
	OSAndroid OS = "android"
	OSWeb     OS = "web"
)

// Environment describes where the agent is running. Web and
// non-physical environments cannot complete push registration.
type Environment struct {
	OS             OS
	Web            bool
	PhysicalDevice bool
}

// PermissionStatus is the notification permission state reported by
// the native layer.
type PermissionStatus string

const (
	PermissionUndetermined PermissionStatus = "undetermined"
	PermissionDenied       PermissionStatus = "denied"
	PermissionGranted      PermissionStatus = "granted"
	// PermissionProvisional is iOS quiet delivery. It is sufficient
	// for token acquisition.
	PermissionProvisional PermissionStatus = "provisional"
)

// Authorized reports whether the status allows token acquisition.
func (s PermissionStatus) Authorized() bool {
	return s == PermissionGranted || s == PermissionProvisional
}

// Channel describes an Android notification delivery channel.
type Channel struct {
	ID         string  `json:"id" yaml:"id"`
	Name       string  `json:"name" yaml:"name"`
	Importance int     `json:"importance" yaml:"importance"`
	Vibration  []int64 `json:"vibration,omitempty" yaml:"vibration"`
	Sound      string  `json:"sound,omitempty" yaml:"sound"`
}

// DefaultChannel is the channel used when no config file overrides it.
func DefaultChannel() Channel {
	return Channel{
		ID:         "default",
		Name:       "Default",
		Importance: 4,
		Vibration:  []int64{0, 250, 250, 250},
	}
}

// Handler receives OS notification events. OnReceived fires for
// passively delivered notifications, OnResponse when the user tapped
// one. Payloads are the opaque notification data maps.
type Handler struct {
	OnReceived func(payload map[string]any)
	OnResponse func(payload map[string]any)
}

// Notifier is the platform notification service. All methods suspend
// on the native layer and honor context cancellation of the request
// itself; in-flight native work is not cancellable.
type Notifier interface {
	// Environment probes the host environment.
	Environment(ctx context.Context) (Environment, error)

	// Permissions returns the current notification permission.
	Permissions(ctx context.Context) (PermissionStatus, error)

	// RequestPermissions prompts the user once and returns the
	// resulting permission.
	RequestPermissions(ctx context.Context) (PermissionStatus, error)

	// DeviceToken acquires a push token. A non-empty projectID scopes
	// acquisition to that project; empty selects the unscoped
	// fallback strategy.
	DeviceToken(ctx context.Context, projectID string) (string, error)

	// EnsureChannel creates the delivery channel if it does not
	// exist. No-op on platforms without channels.
	EnsureChannel(ctx context.Context, ch Channel) error

	// Subscribe binds the OS event handlers. Callers are responsible
	// for calling it at most once per process.
	Subscribe(ctx context.Context, h Handler) error

	// LastResponse returns the payload of the notification tap that
	// launched the process, or nil when there is none.
	LastResponse(ctx context.Context) (map[string]any, error)

	// ClearLastResponse acknowledges the last-response record so it is
	// not replayed on a future cold start.
	ClearLastResponse(ctx context.Context) error
}
