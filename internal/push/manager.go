// Package push owns device-side push registration and intent
// delivery: token acquisition with a scoped/unscoped fallback, backend
// registration, bind-once OS listeners, fan-out of decoded intents to
// subscribers, and cold-start launch intent recovery.
package push

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/eternisai/enchanted-push/internal/intent"
	"github.com/eternisai/enchanted-push/internal/logger"
	"github.com/eternisai/enchanted-push/internal/platform"
)

// Backend registers device tokens with the server. Failures are
// authoritative and propagate out of Register.
type Backend interface {
	RegisterToken(ctx context.Context, token, platform string) error
	UnregisterToken(ctx context.Context, token string) error
}

// Store is the durable slot storage. All Store failures are
// best-effort at this layer: logged and swallowed, never blocking the
// registration or dispatch path.
type Store interface {
	SetPendingIntent(ctx context.Context, tag string) error
	TakePendingIntent(ctx context.Context) (string, error)
	DeviceToken(ctx context.Context) (string, error)
	SetDeviceToken(ctx context.Context, token string) error
	ClearDeviceToken(ctx context.Context) error
}

// Manager is the one process-wide push service instance, owned by the
// composition root. Its binding flags and subscriber set are guarded
// by a mutex; Register is safe to call concurrently, though two
// overlapping calls may both hit the backend (registration is
// upsert-by-token there).
type Manager struct {
	notifier  platform.Notifier
	backend   Backend
	store     Store
	logger    *logger.Logger
	projectID string
	channel   platform.Channel

	mu             sync.Mutex
	listenersBound bool
	channelReady   bool
	subscribers    map[string]func(intent.Intent)
	lastOutcome    *Outcome
}

func NewManager(
	notifier platform.Notifier,
	backend Backend,
	store Store,
	log *logger.Logger,
	projectID string,
	channel platform.Channel,
) *Manager {
	return &Manager{
		notifier:    notifier,
		backend:     backend,
		store:       store,
		logger:      log.WithComponent("push"),
		projectID:   projectID,
		channel:     channel,
		subscribers: make(map[string]func(intent.Intent)),
	}
}

// Register ensures permission, acquires a device token and registers
// it with the backend. Environments where registration is impossible
// resolve to a skipped Outcome, not an error. An error means either
// every token strategy failed or the backend rejected the
// registration; only those are worth retrying.
func (m *Manager) Register(ctx context.Context) (Outcome, error) {
	log := m.logger.WithContext(ctx)

	env, err := m.notifier.Environment(ctx)
	if err != nil {
		return Outcome{}, err
	}

	if env.Web || env.OS == platform.OSWeb {
		log.Info("push registration skipped", slog.String("reason", string(SkipWeb)))
		return m.finish(skipped(SkipWeb)), nil
	}

	if !env.PhysicalDevice {
		log.Info("push registration skipped", slog.String("reason", string(SkipSimulator)))
		return m.finish(skipped(SkipSimulator)), nil
	}

	if err := m.arm(ctx, env); err != nil {
		return Outcome{}, err
	}

	status, err := m.notifier.Permissions(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if !status.Authorized() {
		status, err = m.notifier.RequestPermissions(ctx)
		if err != nil {
			return Outcome{}, err
		}
	}
	if !status.Authorized() {
		log.Info("push registration skipped",
			slog.String("reason", string(SkipPermissionDenied)),
			slog.String("status", string(status)))
		return m.finish(skipped(SkipPermissionDenied)), nil
	}

	token, err := m.acquireToken(ctx)
	if err != nil {
		registrationsTotal.WithLabelValues("token_error").Inc()
		return Outcome{}, err
	}

	// Backend failure propagates: "we could not tell the server" must
	// stay distinguishable from "the user declined".
	if err := m.backend.RegisterToken(ctx, token, string(env.OS)); err != nil {
		registrationsTotal.WithLabelValues("backend_error").Inc()
		return Outcome{}, err
	}

	if err := m.store.SetDeviceToken(ctx, token); err != nil {
		log.Warn("failed to persist registered token", slog.String("error", err.Error()))
	}

	log.Info("push token registered",
		slog.String("platform", string(env.OS)),
		slog.Int("token_length", len(token)))

	return m.finish(registered(token)), nil
}

// finish records the outcome for the debug surface and counts it.
func (m *Manager) finish(o Outcome) Outcome {
	registrationsTotal.WithLabelValues(o.String()).Inc()

	m.mu.Lock()
	m.lastOutcome = &o
	m.mu.Unlock()
	return o
}

// LastOutcome returns the most recent registration outcome, if any.
func (m *Manager) LastOutcome() (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastOutcome == nil {
		return Outcome{}, false
	}
	return *m.lastOutcome, true
}

// acquireToken tries the project-scoped strategy first, then the
// unscoped fallback. Both failures are retained in one TokenError.
func (m *Manager) acquireToken(ctx context.Context) (string, error) {
	log := m.logger.WithContext(ctx)

	var scopedErr error
	if m.projectID != "" {
		token, err := m.notifier.DeviceToken(ctx, m.projectID)
		if err == nil {
			return token, nil
		}
		scopedErr = err
		log.Warn("scoped token acquisition failed, falling back to unscoped",
			slog.String("project_id", m.projectID),
			slog.String("error", err.Error()))
	} else {
		log.Debug("no project ID configured, skipping scoped token strategy")
	}

	token, err := m.notifier.DeviceToken(ctx, "")
	if err != nil {
		return "", &TokenError{ScopedErr: scopedErr, UnscopedErr: err}
	}
	return token, nil
}

// Unregister removes the persisted token from the backend and clears
// the local record. A device that never registered is a no-op.
func (m *Manager) Unregister(ctx context.Context) error {
	log := m.logger.WithContext(ctx)

	token, err := m.store.DeviceToken(ctx)
	if err != nil {
		log.Warn("failed to read persisted token", slog.String("error", err.Error()))
		return nil
	}
	if token == "" {
		return nil
	}

	if err := m.backend.UnregisterToken(ctx, token); err != nil {
		return err
	}

	if err := m.store.ClearDeviceToken(ctx); err != nil {
		log.Warn("failed to clear persisted token", slog.String("error", err.Error()))
	}

	log.Info("push token unregistered")
	return nil
}

// Arm binds the OS listeners and configures the delivery channel.
// Idempotent: each effect happens at most once per process lifetime.
func (m *Manager) Arm(ctx context.Context) error {
	env, err := m.notifier.Environment(ctx)
	if err != nil {
		return err
	}
	return m.arm(ctx, env)
}

func (m *Manager) arm(ctx context.Context, env platform.Environment) error {
	if err := m.bindListeners(ctx); err != nil {
		return err
	}
	m.ensureChannel(ctx, env)
	return nil
}

// bindListeners subscribes to OS events exactly once. Double
// registration would double-dispatch every future event, so the flag
// is set before the subscribe call and rolled back on failure.
func (m *Manager) bindListeners(ctx context.Context) error {
	m.mu.Lock()
	if m.listenersBound {
		m.mu.Unlock()
		return nil
	}
	m.listenersBound = true
	m.mu.Unlock()

	err := m.notifier.Subscribe(ctx, platform.Handler{
		OnReceived: m.handleReceived,
		OnResponse: m.handleResponse,
	})
	if err != nil {
		m.mu.Lock()
		m.listenersBound = false
		m.mu.Unlock()
		return err
	}
	return nil
}

// ensureChannel configures the Android delivery channel once. Failure
// degrades presentation only and never blocks registration.
func (m *Manager) ensureChannel(ctx context.Context, env platform.Environment) {
	if env.OS != platform.OSAndroid {
		return
	}

	m.mu.Lock()
	if m.channelReady {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := m.notifier.EnsureChannel(ctx, m.channel); err != nil {
		m.logger.WithContext(ctx).Warn("failed to configure notification channel",
			slog.String("channel_id", m.channel.ID),
			slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	m.channelReady = true
	m.mu.Unlock()
}

// Subscribe adds a live intent subscriber and returns its remover.
// Delivery order among subscribers is not guaranteed.
func (m *Manager) Subscribe(fn func(intent.Intent)) func() {
	id := uuid.NewString()

	m.mu.Lock()
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// handleReceived handles passively delivered notifications: decode and
// fan out, never touching the persisted slot.
func (m *Manager) handleReceived(payload map[string]any) {
	tag, ok := intent.FromPayload(payload)
	if !ok {
		m.logger.Debug("received notification without intent tag")
		return
	}
	intentsDispatchedTotal.WithLabelValues("received").Inc()
	m.fanOut(tag)
}

// handleResponse handles notification taps. The intent is persisted
// before fan-out: the tap may have launched the process before any
// subscriber mounted, and the slot is what bridges that gap.
func (m *Manager) handleResponse(payload map[string]any) {
	tag, ok := intent.FromPayload(payload)
	if !ok {
		m.logger.Debug("tap response without intent tag")
		return
	}

	if err := m.store.SetPendingIntent(context.Background(), string(tag)); err != nil {
		m.logger.Warn("failed to persist pending intent",
			slog.String("intent", string(tag)),
			slog.String("error", err.Error()))
	}

	intentsDispatchedTotal.WithLabelValues("response").Inc()
	m.fanOut(tag)
}

func (m *Manager) fanOut(tag intent.Intent) {
	m.mu.Lock()
	subs := make(map[string]func(intent.Intent), len(m.subscribers))
	for id, fn := range m.subscribers {
		subs[id] = fn
	}
	m.mu.Unlock()

	for id, fn := range subs {
		m.deliver(id, fn, tag)
	}
}

// deliver invokes one subscriber inside its own failure boundary so a
// panicking subscriber cannot break delivery to the others.
func (m *Manager) deliver(id string, fn func(intent.Intent), tag intent.Intent) {
	defer func() {
		if r := recover(); r != nil {
			subscriberFailuresTotal.Inc()
			m.logger.Error("subscriber panicked during intent dispatch",
				slog.String("subscriber_id", id),
				slog.Any("panic", r))
		}
	}()
	fn(tag)
}

// ResolveLaunchIntent recovers the intent of a notification tapped
// while the app was not running. The persisted slot wins over the OS
// last-response record: it reflects the most recent tap, whereas the
// OS query may return a stale historical one. Call once per process
// start; consumption is exactly-once.
func (m *Manager) ResolveLaunchIntent(ctx context.Context) (intent.Intent, bool) {
	log := m.logger.WithContext(ctx)

	stored, err := m.store.TakePendingIntent(ctx)
	if err != nil {
		log.Warn("failed to consume pending intent slot", slog.String("error", err.Error()))
	}
	if stored != "" {
		log.Info("launch intent recovered from persisted slot", slog.String("intent", stored))
		return intent.Intent(stored), true
	}

	payload, err := m.notifier.LastResponse(ctx)
	if err != nil {
		log.Warn("failed to query last notification response", slog.String("error", err.Error()))
		return "", false
	}
	if payload == nil {
		return "", false
	}

	tag, ok := intent.FromPayload(payload)
	if !ok {
		return "", false
	}

	// Ack the OS record so it is not replayed on a future cold start.
	if err := m.notifier.ClearLastResponse(ctx); err != nil {
		log.Warn("failed to clear last notification response", slog.String("error", err.Error()))
	}

	log.Info("launch intent recovered from OS last response", slog.String("intent", string(tag)))
	return tag, true
}
