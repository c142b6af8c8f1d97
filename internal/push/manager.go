package push

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/agenthub/internal/observability"
)

// PinLifetime bounds how long an unverified subscription may wait for its
// PIN before being purged.
const PinLifetime = 5 * time.Minute

const sweepInterval = time.Minute

var (
	ErrNoPending  = errors.New("no pending subscription for device")
	ErrPinExpired = errors.New("verification pin expired")
	ErrPinWrong   = errors.New("verification pin does not match")

	// ErrGone marks a subscription the push service no longer accepts.
	ErrGone = errors.New("subscription gone")
)

// Payload is the notification body handed to the sink.
type Payload struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Tag     string `json:"tag,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// Keys are the client's web push encryption keys.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one device's push subscription.
type Subscription struct {
	DeviceID   string    `json:"deviceId"`
	Endpoint   string    `json:"endpoint"`
	Keys       Keys      `json:"keys"`
	CreatedAt  time.Time `json:"createdAt"`
	VerifiedAt time.Time `json:"verifiedAt,omitempty"`
}

// Sink delivers one payload to one subscription. Implementations return
// ErrGone when the push service reports the subscription dead.
type Sink interface {
	Send(ctx context.Context, sub Subscription, payload Payload) error
}

// SubscriptionStore persists the verified subscription set. The agent
// store implements it.
type SubscriptionStore interface {
	SaveSubscriptions(data []byte) error
	LoadSubscriptions() ([]byte, error)
}

type pendingSub struct {
	sub       Subscription
	pin       string
	createdAt time.Time
}

// Manager owns the device table, the PIN handshake, and push dispatch.
type Manager struct {
	log       *slog.Logger
	metrics   *observability.Metrics
	sink      Sink
	store     SubscriptionStore
	devices   *DeviceTable
	hubName   string
	publicKey string
	now       func() time.Time
	rand      io.Reader

	mu       sync.Mutex
	pending  map[string]*pendingSub
	verified map[string]Subscription
	started  bool
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log.With("component", "push")
		}
	}
}

// WithMetrics wires push outcome counters.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRand overrides the PIN entropy source for tests.
func WithRand(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.rand = r
		}
	}
}

// NewManager builds a push manager. hubName titles the verification push;
// publicKey is the VAPID public key clients subscribe with. Previously
// verified subscriptions are loaded from the store.
func NewManager(sink Sink, store SubscriptionStore, hubName, publicKey string, opts ...Option) *Manager {
	m := &Manager{
		log:       slog.Default().With("component", "push"),
		sink:      sink,
		store:     store,
		devices:   NewDeviceTable(),
		hubName:   hubName,
		publicKey: publicKey,
		now:       time.Now,
		rand:      rand.Reader,
		pending:   map[string]*pendingSub{},
		verified:  map[string]Subscription{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.load()
	return m
}

// PublicKey returns the VAPID public key for vapid_public_key frames.
func (m *Manager) PublicKey() string { return m.publicKey }

// Devices exposes the device-state table to the connection layer.
func (m *Manager) Devices() *DeviceTable { return m.devices }

func (m *Manager) load() {
	if m.store == nil {
		return
	}
	data, err := m.store.LoadSubscriptions()
	if err != nil {
		return
	}
	var subs []Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		m.log.Warn("subscriptions file unreadable, starting empty", "error", err)
		return
	}
	for _, sub := range subs {
		m.verified[sub.DeviceID] = sub
	}
}

// persistLocked writes the verified set; caller holds m.mu. Failures log
// and continue, the in-memory set stays authoritative.
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	subs := make([]Subscription, 0, len(m.verified))
	for _, sub := range m.verified {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].DeviceID < subs[j].DeviceID })
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		m.log.Error("encode subscriptions", "error", err)
		return
	}
	if err := m.store.SaveSubscriptions(data); err != nil {
		m.log.Warn("persist subscriptions failed", "error", err)
	}
}

// Subscribe registers a subscription descriptor and pushes a fresh 4-digit
// PIN to it. The subscription stays pending until VerifyPin succeeds.
func (m *Manager) Subscribe(ctx context.Context, deviceID string, raw json.RawMessage) error {
	if deviceID == "" {
		return errors.New("deviceId is required")
	}
	var sub Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("invalid subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return errors.New("subscription endpoint is required")
	}
	sub.DeviceID = deviceID
	sub.CreatedAt = m.now().UTC()

	pin, err := randomPin(m.rand)
	if err != nil {
		return fmt.Errorf("generate pin: %w", err)
	}

	if err := m.sink.Send(ctx, sub, Payload{
		Title: m.hubName,
		Body:  "Verification PIN: " + pin,
		Tag:   "verify",
	}); err != nil {
		return fmt.Errorf("send verification pin: %w", err)
	}

	m.mu.Lock()
	m.pending[deviceID] = &pendingSub{sub: sub, pin: pin, createdAt: sub.CreatedAt}
	m.mu.Unlock()
	return nil
}

// VerifyPin promotes a pending subscription to verified if the device
// echoes the PIN within its lifetime. The PIN is discarded either way.
func (m *Manager) VerifyPin(deviceID, pin string) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[deviceID]
	if !ok {
		return ErrNoPending
	}
	delete(m.pending, deviceID)
	if now.Sub(p.createdAt) > PinLifetime {
		return ErrPinExpired
	}
	if subtle.ConstantTimeCompare([]byte(p.pin), []byte(pin)) != 1 {
		return ErrPinWrong
	}
	p.sub.VerifiedAt = now.UTC()
	m.verified[deviceID] = p.sub
	m.persistLocked()
	m.log.Info("push subscription verified", "device", deviceID)
	return nil
}

// Unsubscribe removes the device's subscription, pending or verified.
func (m *Manager) Unsubscribe(deviceID string) {
	m.mu.Lock()
	delete(m.pending, deviceID)
	if _, ok := m.verified[deviceID]; ok {
		delete(m.verified, deviceID)
		m.persistLocked()
	}
	m.mu.Unlock()
}

// Verified reports whether the device holds a verified subscription.
func (m *Manager) Verified(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.verified[deviceID]
	return ok
}

// Dispatch delivers a payload to every verified subscription unless some
// device is active, in which case the push is suppressed. Subscriptions
// the push service reports gone are dropped.
func (m *Manager) Dispatch(ctx context.Context, payload Payload) {
	if m.devices.AnyActive() {
		m.record("suppressed")
		m.log.Debug("push suppressed, active device present", "tag", payload.Tag)
		return
	}

	m.mu.Lock()
	subs := make([]Subscription, 0, len(m.verified))
	for _, sub := range m.verified {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	var gone []string
	for _, sub := range subs {
		err := m.sink.Send(ctx, sub, payload)
		switch {
		case err == nil:
			m.record("delivered")
		case errors.Is(err, ErrGone):
			gone = append(gone, sub.DeviceID)
		default:
			m.record("failed")
			m.log.Warn("push delivery failed", "device", sub.DeviceID, "error", err)
		}
	}

	if len(gone) > 0 {
		m.mu.Lock()
		for _, id := range gone {
			delete(m.verified, id)
		}
		m.persistLocked()
		m.mu.Unlock()
		m.log.Info("dropped dead push subscriptions", "count", len(gone))
	}
}

func (m *Manager) record(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordPush(outcome)
	}
}

// PurgePending drops unverified subscriptions older than PinLifetime and
// returns the number removed.
func (m *Manager) PurgePending() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, p := range m.pending {
		if now.Sub(p.createdAt) > PinLifetime {
			delete(m.pending, id)
			removed++
		}
	}
	return removed
}

// Start runs the pending-subscription purge until the context is
// cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PurgePending()
			}
		}
	}()
	return nil
}

// Stop waits for the purge loop to exit.
func (m *Manager) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randomPin(r io.Reader) (string, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	pin := make([]byte, 4)
	for i, b := range buf {
		pin[i] = '0' + b%10
	}
	return string(pin), nil
}
