package bizguard

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/bizguard/logger"
)

// BundleSubscriber receives signed per-tenant policy bundles, typically a
// replica engine serving a single tenant.
type BundleSubscriber interface {
	OnBundle(ctx context.Context, tenantID string, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, tenantID string, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, tenantID string, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	return f(ctx, tenantID, pub, bundle)
}

// EngineSubscriber applies every received bundle to e.
func EngineSubscriber(e *Engine) BundleSubscriber {
	return BundleSubscriberFunc(func(ctx context.Context, _ string, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
		return e.ApplySignedBundle(ctx, pub, bundle)
	})
}

// PolicyLister is the snapshot side of a policy store.
type PolicyLister interface {
	List() []Policy
}

// PolicyBundleDistributor signs a tenant's policies (its own plus global ones)
// and pushes them to subscribers whenever NotifyPolicyChange is called.
type PolicyBundleDistributor struct {
	policies         PolicyLister
	logger           logger.Logger
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan string
	stopCh           chan struct{}
	subscribers      map[string][]BundleSubscriber
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type PolicyBundleDistributorOption func(*PolicyBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

// WithBundleRotationInterval sets how often the signing key is replaced.
func WithBundleRotationInterval(interval time.Duration) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func WithBundleLogger(l logger.Logger) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewPolicyBundleDistributor(policies PolicyLister, opts ...PolicyBundleDistributorOption) (*PolicyBundleDistributor, error) {
	if policies == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &PolicyBundleDistributor{
		policies:         policies,
		logger:           logger.NewNullLogger(),
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan string, 1024),
		stopCh:           make(chan struct{}),
		subscribers:      make(map[string][]BundleSubscriber),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *PolicyBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case tenantID := <-d.notifyCh:
				if tenantID == "" {
					continue
				}
				if err := d.Distribute(ctx, tenantID); err != nil {
					d.logger.Error("bundle distribution failed", "tenant", tenantID, "error", err)
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.logger.Error("bundle key rotation failed", "error", err)
				}
			}
		}
	}()
}

func (d *PolicyBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyPolicyChange schedules a redistribution for tenantID. It never blocks;
// a notification is dropped when the queue is full.
func (d *PolicyBundleDistributor) NotifyPolicyChange(tenantID string) {
	if tenantID == "" {
		return
	}
	select {
	case d.notifyCh <- tenantID:
	default:
	}
}

// RegisterSubscriber subscribes to one tenant, or to all tenants with "".
func (d *PolicyBundleDistributor) RegisterSubscriber(tenantID string, sub BundleSubscriber) {
	if sub == nil {
		return
	}
	if tenantID == "" {
		tenantID = "*"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[tenantID] = append(d.subscribers[tenantID], sub)
}

func (d *PolicyBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	d.logger.Info("bundle signing key rotated")
	return nil
}

func (d *PolicyBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

// Bundle signs the current policy set visible to tenantID.
func (d *PolicyBundleDistributor) Bundle(tenantID string) (*SignedPolicyBundle, ed25519.PublicKey, error) {
	scoped := make([]Policy, 0)
	for _, p := range d.policies.List() {
		if p.TenantID == "" || p.TenantID == tenantID {
			scoped = append(scoped, p)
		}
	}
	d.mu.RLock()
	priv, pub := d.priv, append(ed25519.PublicKey(nil), d.pub...)
	d.mu.RUnlock()
	bundle, err := SignBundle(priv, scoped)
	if err != nil {
		return nil, nil, err
	}
	bundle.Meta = map[string]any{
		"tenant_id":    tenantID,
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
	}
	return bundle, pub, nil
}

// Distribute signs and delivers tenantID's bundle synchronously. Subscriber
// errors are logged and do not stop delivery to the others.
func (d *PolicyBundleDistributor) Distribute(ctx context.Context, tenantID string) error {
	bundle, pub, err := d.Bundle(tenantID)
	if err != nil {
		return err
	}
	for _, sub := range d.collectSubscribers(tenantID) {
		if err := sub.OnBundle(ctx, tenantID, pub, bundle); err != nil {
			d.logger.Error("bundle subscriber error", "tenant", tenantID, "error", err)
		}
	}
	return nil
}

func (d *PolicyBundleDistributor) collectSubscribers(tenantID string) []BundleSubscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := make([]BundleSubscriber, 0, len(d.subscribers[tenantID])+len(d.subscribers["*"]))
	subs = append(subs, d.subscribers[tenantID]...)
	subs = append(subs, d.subscribers["*"]...)
	return subs
}
