package push

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/eternisai/enchanted-push/internal/intent"
	"github.com/eternisai/enchanted-push/internal/logger"
	"github.com/eternisai/enchanted-push/internal/platform"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
}

type fakeNotifier struct {
	env    platform.Environment
	envErr error

	permission    platform.PermissionStatus
	requestResult platform.PermissionStatus
	requestCalls  int

	scopedToken   string
	scopedErr     error
	scopedCalls   int
	unscopedToken string
	unscopedErr   error
	unscopedCalls int

	channelCalls int
	channelErr   error

	subscribeCalls int
	subscribeErr   error
	handler        platform.Handler

	lastResponse      map[string]any
	lastResponseErr   error
	lastResponseCalls int
	clearCalls        int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		env:        platform.Environment{OS: platform.OSAndroid, PhysicalDevice: true},
		permission: platform.PermissionGranted,
	}
}

func (f *fakeNotifier) Environment(ctx context.Context) (platform.Environment, error) {
	return f.env, f.envErr
}

func (f *fakeNotifier) Permissions(ctx context.Context) (platform.PermissionStatus, error) {
	return f.permission, nil
}

func (f *fakeNotifier) RequestPermissions(ctx context.Context) (platform.PermissionStatus, error) {
	f.requestCalls++
	return f.requestResult, nil
}

func (f *fakeNotifier) DeviceToken(ctx context.Context, projectID string) (string, error) {
	if projectID != "" {
		f.scopedCalls++
		return f.scopedToken, f.scopedErr
	}
	f.unscopedCalls++
	return f.unscopedToken, f.unscopedErr
}

func (f *fakeNotifier) EnsureChannel(ctx context.Context, ch platform.Channel) error {
	f.channelCalls++
	return f.channelErr
}

func (f *fakeNotifier) Subscribe(ctx context.Context, h platform.Handler) error {
	f.subscribeCalls++
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handler = h
	return nil
}

func (f *fakeNotifier) LastResponse(ctx context.Context) (map[string]any, error) {
	f.lastResponseCalls++
	return f.lastResponse, f.lastResponseErr
}

func (f *fakeNotifier) ClearLastResponse(ctx context.Context) error {
	f.clearCalls++
	return nil
}

type registerCall struct {
	token    string
	platform string
}

type fakeBackend struct {
	registerCalls   []registerCall
	registerErr     error
	unregisterCalls []string
	unregisterErr   error
}

func (f *fakeBackend) RegisterToken(ctx context.Context, token, platform string) error {
	f.registerCalls = append(f.registerCalls, registerCall{token: token, platform: platform})
	return f.registerErr
}

func (f *fakeBackend) UnregisterToken(ctx context.Context, token string) error {
	f.unregisterCalls = append(f.unregisterCalls, token)
	return f.unregisterErr
}

type fakeStore struct {
	pending    string
	pendingErr error
	token      string
	tokenErr   error

	// journal records operation order for persist-before-fanout checks.
	journal *[]string
}

func (f *fakeStore) SetPendingIntent(ctx context.Context, tag string) error {
	if f.pendingErr != nil {
		return f.pendingErr
	}
	f.pending = tag
	if f.journal != nil {
		*f.journal = append(*f.journal, "persist")
	}
	return nil
}

func (f *fakeStore) TakePendingIntent(ctx context.Context) (string, error) {
	if f.pendingErr != nil {
		return "", f.pendingErr
	}
	tag := f.pending
	f.pending = ""
	return tag, nil
}

func (f *fakeStore) DeviceToken(ctx context.Context) (string, error) {
	return f.token, f.tokenErr
}

func (f *fakeStore) SetDeviceToken(ctx context.Context, token string) error {
	if f.tokenErr != nil {
		return f.tokenErr
	}
	f.token = token
	return nil
}

func (f *fakeStore) ClearDeviceToken(ctx context.Context) error {
	f.token = ""
	return nil
}

func newTestManager(n *fakeNotifier, b *fakeBackend, s *fakeStore, projectID string) *Manager {
	return NewManager(n, b, s, testLogger(), projectID, platform.DefaultChannel())
}

func TestRegisterSkipsOnWeb(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.env = platform.Environment{OS: platform.OSWeb, Web: true}
	backend := &fakeBackend{}

	mgr := newTestManager(notifier, backend, &fakeStore{}, "proj")

	outcome, err := mgr.Register(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Registered || outcome.Reason != SkipWeb {
		t.Errorf("expected skipped:web, got %s", outcome)
	}
	if len(backend.registerCalls) != 0 {
		t.Errorf("backend should not be called on web, got %d calls", len(backend.registerCalls))
	}
}

func TestRegisterSkipsOnSimulator(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.env.PhysicalDevice = false
	backend := &fakeBackend{}

	mgr := newTestManager(notifier, backend, &fakeStore{}, "proj")

	outcome, err := mgr.Register(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Reason != SkipSimulator {
		t.Errorf("expected skipped:simulator, got %s", outcome)
	}
	if len(backend.registerCalls) != 0 {
		t.Errorf("backend should not be called on simulator, got %d calls", len(backend.registerCalls))
	}
}

func TestRegisterPermissionDenied(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.permission = platform.PermissionUndetermined
	notifier.requestResult = platform.PermissionDenied
	notifier.unscopedToken = "tok"
	backend := &fakeBackend{}

	mgr := newTestManager(notifier, backend, &fakeStore{}, "")

	outcome, err := mgr.Register(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Reason != SkipPermissionDenied {
		t.Errorf("expected skipped:permission_denied, got %s", outcome)
	}
	if notifier.requestCalls != 1 {
		t.Errorf("expected exactly one permission prompt, got %d", notifier.requestCalls)
	}
	if len(backend.registerCalls) != 0 {
		t.Error("backend should not be called when permission is denied")
	}
}

func TestRegisterGrantedSkipsPrompt(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.permission = platform.PermissionGranted
	notifier.unscopedToken = "tok"

	mgr := newTestManager(notifier, &fakeBackend{}, &fakeStore{}, "")

	if _, err := mgr.Register(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.requestCalls != 0 {
		t.Errorf("granted permission should not prompt, got %d prompts", notifier.requestCalls)
	}
}

func TestRegisterProvisionalIsAuthorized(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.permission = platform.PermissionProvisional
	notifier.unscopedToken = "tok"
	backend := &fakeBackend{}

	mgr := newTestManager(notifier, backend, &fakeStore{}, "")

	outcome, err := mgr.Register(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Registered {
		t.Errorf("provisional permission should register, got %s", outcome)
	}
}

func TestRegisterScopedStrategyWins(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.scopedToken = "scoped-tok"
	notifier.unscopedToken = "unscoped-tok"

	mgr := newTestManager(notifier, &fakeBackend{}, &fakeStore{}, "proj-1")

	outcome, err := mgr.Register(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Token != "scoped-tok" {
		t.Errorf("expected scoped token, got %q", outcome.Token)
	}
	if notifier.unscopedCalls != 0 {
		t.Errorf("unscoped strategy should not run when scoped succeeds, ran %d times", notifier.unscopedCalls)
	}
}

func TestRegisterFallsBackToUnscoped(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.scopedErr = errors.New("fis auth error")
	notifier.unscopedToken = "tok123"
	backend := &fakeBackend{}
	st := &fakeStore{}

	mgr := newTestManager(notifier, backend, st, "proj-1")

	outcome, err := mgr.Register(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.Registered || outcome.Token != "tok123" {
		t.Errorf("expected Registered{tok123}, got %+v", outcome)
	}
	if len(backend.registerCalls) != 1 || backend.registerCalls[0].token != "tok123" {
		t.Errorf("backend should register tok123, got %+v", backend.registerCalls)
	}
	if backend.registerCalls[0].platform != string(platform.OSAndroid) {
		t.Errorf("expected android platform tag, got %q", backend.registerCalls[0].platform)
	}
	if st.token != "tok123" {
		t.Errorf("token should be persisted after registration, got %q", st.token)
	}
}

func TestRegisterBothStrategiesFail(t *testing.T) {
	notifier := newFakeNotifier()
	scopedErr := errors.New("scoped boom")
	unscopedErr := errors.New("unscoped boom")
	notifier.scopedErr = scopedErr
	notifier.unscopedErr = unscopedErr
	backend := &fakeBackend{}

	mgr := newTestManager(notifier, backend, &fakeStore{}, "proj-1")

	_, err := mgr.Register(context.Background())
	if err == nil {
		t.Fatal("expected error when both strategies fail")
	}

	var tokenErr *TokenError
	if !errors.As(err, &tokenErr) {
		t.Fatalf("expected *TokenError, got %T", err)
	}
	if !errors.Is(err, scopedErr) || !errors.Is(err, unscopedErr) {
		t.Error("both causes should be reachable through the error chain")
	}
	if !strings.Contains(err.Error(), "scoped boom") || !strings.Contains(err.Error(), "unscoped boom") {
		t.Errorf("error message should retain both causes, got %q", err)
	}
	if !strings.Contains(err.Error(), "both strategies") {
		t.Errorf("error message should indicate both strategies were attempted, got %q", err)
	}
	if len(backend.registerCalls) != 0 {
		t.Error("backend should not be called without a token")
	}
}

func TestRegisterBackendFailurePropagates(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.unscopedToken = "tok"
	backendErr := errors.New("upstream 500")
	backend := &fakeBackend{registerErr: backendErr}
	st := &fakeStore{}

	mgr := newTestManager(notifier, backend, st, "")

	_, err := mgr.Register(context.Background())
	if !errors.Is(err, backendErr) {
		t.Fatalf("expected backend error to propagate, got %v", err)
	}
	if st.token != "" {
		t.Errorf("token must not be persisted when the backend rejects, got %q", st.token)
	}
}

func TestRegisterSwallowsStoreFailure(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.unscopedToken = "tok"
	st := &fakeStore{tokenErr: errors.New("disk full")}

	mgr := newTestManager(notifier, &fakeBackend{}, st, "")

	outcome, err := mgr.Register(context.Background())
	if err != nil {
		t.Fatalf("store failure must not fail registration: %v", err)
	}
	if !outcome.Registered {
		t.Errorf("expected registered outcome, got %s", outcome)
	}
}

func TestArmIdempotent(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.unscopedToken = "tok"
	mgr := newTestManager(notifier, &fakeBackend{}, &fakeStore{}, "")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := mgr.Arm(ctx); err != nil {
			t.Fatalf("arm %d failed: %v", i, err)
		}
	}
	if _, err := mgr.Register(ctx); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if notifier.subscribeCalls != 1 {
		t.Errorf("expected exactly one listener binding, got %d", notifier.subscribeCalls)
	}
	if notifier.channelCalls != 1 {
		t.Errorf("expected exactly one channel configuration, got %d", notifier.channelCalls)
	}

	// One event must dispatch exactly once even after repeated arming.
	var got int
	defer mgr.Subscribe(func(intent.Intent) { got++ })()

	notifier.handler.OnReceived(map[string]any{"intent": "inbox"})
	if got != 1 {
		t.Errorf("expected one dispatch for one event, got %d", got)
	}
}

func TestChannelFailureDoesNotBlockRegistration(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.channelErr = errors.New("channel boom")
	notifier.unscopedToken = "tok"

	mgr := newTestManager(notifier, &fakeBackend{}, &fakeStore{}, "")

	outcome, err := mgr.Register(context.Background())
	if err != nil {
		t.Fatalf("channel failure must be non-fatal: %v", err)
	}
	if !outcome.Registered {
		t.Errorf("expected registered outcome, got %s", outcome)
	}
}

func TestChannelSkippedOffAndroid(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.env.OS = platform.OSiOS
	notifier.unscopedToken = "tok"

	mgr := newTestManager(notifier, &fakeBackend{}, &fakeStore{}, "")

	if _, err := mgr.Register(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.channelCalls != 0 {
		t.Errorf("channel configuration should be android-only, got %d calls", notifier.channelCalls)
	}
}

func TestResponsePersistsBeforeFanOut(t *testing.T) {
	notifier := newFakeNotifier()
	journal := []string{}
	st := &fakeStore{journal: &journal}
	mgr := newTestManager(notifier, &fakeBackend{}, st, "")

	if err := mgr.Arm(context.Background()); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	defer mgr.Subscribe(func(intent.Intent) { journal = append(journal, "deliver") })()

	notifier.handler.OnResponse(map[string]any{"intent": "orders/42"})

	if len(journal) != 2 || journal[0] != "persist" || journal[1] != "deliver" {
		t.Errorf("expected persist before deliver, got %v", journal)
	}
	if st.pending != "orders/42" {
		t.Errorf("expected pending intent orders/42, got %q", st.pending)
	}
}

func TestResponsePersistsWithoutSubscribers(t *testing.T) {
	notifier := newFakeNotifier()
	st := &fakeStore{}
	mgr := newTestManager(notifier, &fakeBackend{}, st, "")

	if err := mgr.Arm(context.Background()); err != nil {
		t.Fatalf("arm failed: %v", err)
	}

	notifier.handler.OnResponse(map[string]any{"intent": "inbox"})

	if st.pending != "inbox" {
		t.Errorf("tap intent must persist even with no subscriber mounted, got %q", st.pending)
	}
}

func TestReceivedDoesNotPersist(t *testing.T) {
	notifier := newFakeNotifier()
	st := &fakeStore{}
	mgr := newTestManager(notifier, &fakeBackend{}, st, "")

	if err := mgr.Arm(context.Background()); err != nil {
		t.Fatalf("arm failed: %v", err)
	}

	var got intent.Intent
	defer mgr.Subscribe(func(tag intent.Intent) { got = tag })()

	notifier.handler.OnReceived(map[string]any{"intent": "inbox"})

	if got != "inbox" {
		t.Errorf("expected subscriber to receive inbox, got %q", got)
	}
	if st.pending != "" {
		t.Errorf("passive receive must not touch the persisted slot, got %q", st.pending)
	}
}

func TestFanOutIsolation(t *testing.T) {
	notifier := newFakeNotifier()
	mgr := newTestManager(notifier, &fakeBackend{}, &fakeStore{}, "")

	if err := mgr.Arm(context.Background()); err != nil {
		t.Fatalf("arm failed: %v", err)
	}

	delivered := 0
	defer mgr.Subscribe(func(intent.Intent) { panic("subscriber boom") })()
	defer mgr.Subscribe(func(intent.Intent) { delivered++ })()

	notifier.handler.OnReceived(map[string]any{"intent": "inbox"})

	if delivered != 1 {
		t.Errorf("panicking subscriber must not block the other, delivered=%d", delivered)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	notifier := newFakeNotifier()
	mgr := newTestManager(notifier, &fakeBackend{}, &fakeStore{}, "")

	if err := mgr.Arm(context.Background()); err != nil {
		t.Fatalf("arm failed: %v", err)
	}

	delivered := 0
	unsubscribe := mgr.Subscribe(func(intent.Intent) { delivered++ })
	unsubscribe()

	notifier.handler.OnReceived(map[string]any{"intent": "inbox"})

	if delivered != 0 {
		t.Errorf("unsubscribed callback must not be invoked, delivered=%d", delivered)
	}
}

func TestResolveLaunchIntentPrefersPersistedSlot(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.lastResponse = map[string]any{"intent": "stale-os-intent"}
	st := &fakeStore{pending: "fresh-tap"}
	mgr := newTestManager(notifier, &fakeBackend{}, st, "")

	tag, ok := mgr.ResolveLaunchIntent(context.Background())
	if !ok || tag != "fresh-tap" {
		t.Fatalf("expected fresh-tap from the slot, got %q ok=%v", tag, ok)
	}
	if notifier.lastResponseCalls != 0 {
		t.Errorf("OS last response must stay untouched when the slot wins, queried %d times", notifier.lastResponseCalls)
	}
	if notifier.clearCalls != 0 {
		t.Errorf("OS last response must not be cleared when the slot wins, cleared %d times", notifier.clearCalls)
	}
}

func TestResolveLaunchIntentFallsBackToOS(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.lastResponse = map[string]any{"intent": "os-intent"}
	mgr := newTestManager(notifier, &fakeBackend{}, &fakeStore{}, "")

	tag, ok := mgr.ResolveLaunchIntent(context.Background())
	if !ok || tag != "os-intent" {
		t.Fatalf("expected os-intent, got %q ok=%v", tag, ok)
	}
	if notifier.clearCalls != 1 {
		t.Errorf("consumed OS record must be cleared once, got %d", notifier.clearCalls)
	}
}

func TestResolveLaunchIntentAtMostOnce(t *testing.T) {
	notifier := newFakeNotifier()
	st := &fakeStore{pending: "tapped"}
	mgr := newTestManager(notifier, &fakeBackend{}, st, "")

	ctx := context.Background()
	tag, ok := mgr.ResolveLaunchIntent(ctx)
	if !ok || tag != "tapped" {
		t.Fatalf("first resolve should return tapped, got %q ok=%v", tag, ok)
	}

	if tag, ok := mgr.ResolveLaunchIntent(ctx); ok {
		t.Errorf("second resolve must be empty, got %q", tag)
	}
}

func TestResolveLaunchIntentEmpty(t *testing.T) {
	mgr := newTestManager(newFakeNotifier(), &fakeBackend{}, &fakeStore{}, "")

	if tag, ok := mgr.ResolveLaunchIntent(context.Background()); ok {
		t.Errorf("expected no launch intent, got %q", tag)
	}
}

func TestUnregister(t *testing.T) {
	backend := &fakeBackend{}
	st := &fakeStore{token: "tok"}
	mgr := newTestManager(newFakeNotifier(), backend, st, "")

	if err := mgr.Unregister(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.unregisterCalls) != 1 || backend.unregisterCalls[0] != "tok" {
		t.Errorf("expected backend unregister of tok, got %v", backend.unregisterCalls)
	}
	if st.token != "" {
		t.Errorf("token record should be cleared, got %q", st.token)
	}
}

func TestUnregisterWithoutToken(t *testing.T) {
	backend := &fakeBackend{}
	mgr := newTestManager(newFakeNotifier(), backend, &fakeStore{}, "")

	if err := mgr.Unregister(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backend.unregisterCalls) != 0 {
		t.Errorf("no token means no backend call, got %v", backend.unregisterCalls)
	}
}

func TestUnregisterBackendFailurePropagates(t *testing.T) {
	backendErr := errors.New("upstream 503")
	backend := &fakeBackend{unregisterErr: backendErr}
	st := &fakeStore{token: "tok"}
	mgr := newTestManager(newFakeNotifier(), backend, st, "")

	if err := mgr.Unregister(context.Background()); !errors.Is(err, backendErr) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if st.token != "tok" {
		t.Errorf("token record must survive a failed unregistration, got %q", st.token)
	}
}
