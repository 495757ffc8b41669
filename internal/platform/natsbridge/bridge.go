// Package natsbridge implements platform.Notifier over NATS
// request/reply to the native notification shim. Method calls go out
// on push.method.* subjects; the shim publishes OS notification events
// on push.event.*.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eternisai/enchanted-push/internal/logger"
	"github.com/eternisai/enchanted-push/internal/platform"
)

const (
	methodSubjectPrefix  = "push.method."
	eventReceivedSubject = "push.event.received"
	eventResponseSubject = "push.event.response"
)

type Bridge struct {
	conn    *nats.Conn
	timeout time.Duration
	logger  *logger.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect dials the NATS server the native shim listens on and wraps
// the connection in a Bridge.
func Connect(url string, timeout time.Duration, log *logger.Logger) (*Bridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("enchanted-push-agent"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bridge: %w", err)
	}
	return New(conn, timeout, log), nil
}

// New wraps an existing NATS connection. The Bridge takes ownership:
// Close drains the connection.
func New(conn *nats.Conn, timeout time.Duration, log *logger.Logger) *Bridge {
	return &Bridge{
		conn:    conn,
		timeout: timeout,
		logger:  log.WithComponent("natsbridge"),
	}
}

// Close unsubscribes from event subjects and drains the connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe bridge event subject",
				slog.String("subject", sub.Subject),
				slog.String("error", err.Error()))
		}
	}
	return b.conn.Drain()
}

// request is the method-call envelope sent to the shim.
type request struct {
	Args any `json:"args,omitempty"`
}

// reply is the method-call envelope returned by the shim. A non-empty
// Error means the native call failed.
type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (b *Bridge) invoke(ctx context.Context, method string, args any, out any) error {
	data, err := json.Marshal(request{Args: args})
	if err != nil {
		return fmt.Errorf("failed to encode bridge call %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg, err := b.conn.RequestWithContext(ctx, methodSubjectPrefix+method, data)
	if err != nil {
		return fmt.Errorf("bridge call %s failed: %w", method, err)
	}

	rep, err := decodeReply(msg.Data)
	if err != nil {
		return fmt.Errorf("bridge call %s: %w", method, err)
	}
	if rep.Error != "" {
		return fmt.Errorf("bridge call %s: %s", method, rep.Error)
	}

	if out != nil && len(rep.Result) > 0 {
		if err := json.Unmarshal(rep.Result, out); err != nil {
			return fmt.Errorf("bridge call %s returned malformed result: %w", method, err)
		}
	}
	return nil
}

func decodeReply(data []byte) (reply, error) {
	var rep reply
	if err := json.Unmarshal(data, &rep); err != nil {
		return reply{}, fmt.Errorf("malformed bridge reply: %w", err)
	}
	return rep, nil
}

func (b *Bridge) Environment(ctx context.Context) (platform.Environment, error) {
	var result struct {
		OS             string `json:"os"`
		Web            bool   `json:"web"`
		PhysicalDevice bool   `json:"physicalDevice"`
	}
	if err := b.invoke(ctx, "environment", nil, &result); err != nil {
		return platform.Environment{}, err
	}
	return platform.Environment{
		OS:             platform.OS(result.OS),
		Web:            result.Web,
		PhysicalDevice: result.PhysicalDevice,
	}, nil
}

func (b *Bridge) Permissions(ctx context.Context) (platform.PermissionStatus, error) {
	return b.permissionCall(ctx, "getPermissions")
}

func (b *Bridge) RequestPermissions(ctx context.Context) (platform.PermissionStatus, error) {
	return b.permissionCall(ctx, "requestPermissions")
}

func (b *Bridge) permissionCall(ctx context.Context, method string) (platform.PermissionStatus, error) {
	var result struct {
		Status string `json:"status"`
	}
	if err := b.invoke(ctx, method, nil, &result); err != nil {
		return "", err
	}
	return platform.PermissionStatus(result.Status), nil
}

func (b *Bridge) DeviceToken(ctx context.Context, projectID string) (string, error) {
	args := map[string]any{}
	if projectID != "" {
		args["projectId"] = projectID
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := b.invoke(ctx, "getToken", args, &result); err != nil {
		return "", err
	}
	if result.Token == "" {
		return "", fmt.Errorf("bridge call getToken returned an empty token")
	}
	return result.Token, nil
}

func (b *Bridge) EnsureChannel(ctx context.Context, ch platform.Channel) error {
	return b.invoke(ctx, "ensureChannel", ch, nil)
}

func (b *Bridge) LastResponse(ctx context.Context) (map[string]any, error) {
	var result struct {
		Payload map[string]any `json:"payload"`
	}
	if err := b.invoke(ctx, "lastResponse", nil, &result); err != nil {
		return nil, err
	}
	return result.Payload, nil
}

func (b *Bridge) ClearLastResponse(ctx context.Context) error {
	return b.invoke(ctx, "clearLastResponse", nil, nil)
}

// Subscribe binds the event subjects. Event messages carry the opaque
// notification payload map as a JSON object.
func (b *Bridge) Subscribe(ctx context.Context, h platform.Handler) error {
	received, err := b.conn.Subscribe(eventReceivedSubject, b.eventHandler("received", h.OnReceived))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eventReceivedSubject, err)
	}

	response, err := b.conn.Subscribe(eventResponseSubject, b.eventHandler("response", h.OnResponse))
	if err != nil {
		received.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", eventResponseSubject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, received, response)
	b.mu.Unlock()
	return nil
}

func (b *Bridge) eventHandler(kind string, fn func(map[string]any)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		payload, err := decodeEventPayload(msg.Data)
		if err != nil {
			b.logger.Warn("dropping malformed bridge event",
				slog.String("event", kind),
				slog.String("error", err.Error()))
			return
		}
		if fn != nil {
			fn(payload)
		}
	}
}

func decodeEventPayload(data []byte) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("malformed event payload: %w", err)
	}
	return payload, nil
}
