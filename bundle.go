package bizguard

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SignedPolicyBundle carries a policy set with one ed25519 signature per policy.
type SignedPolicyBundle struct {
	Policies   []Policy          `json:"policies"`
	Signatures map[string]string `json:"signatures"` // policy ID -> base64 signature
	Meta       map[string]any    `json:"meta,omitempty"`
}

// PolicyReplacer is implemented by stores that can swap their whole policy set.
type PolicyReplacer interface {
	Replace(ctx context.Context, policies []Policy) error
}

func signingPayload(p *Policy) ([]byte, error) {
	return json.Marshal(struct {
		ID       string
		Checksum string
	}{
		ID:       p.ID,
		Checksum: p.Checksum(),
	})
}

// SignPolicy returns a base64 ed25519 signature over the policy checksum.
func SignPolicy(priv ed25519.PrivateKey, p *Policy) (string, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return "", fmt.Errorf("invalid signing key size %d", len(priv))
	}
	data, err := signingPayload(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, data)), nil
}

// VerifyPolicySignature checks sigB64 against the policy checksum.
func VerifyPolicySignature(pub ed25519.PublicKey, p *Policy, sigB64 string) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: invalid public key size %d", ErrBadSignature, len(pub))
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: policy %s: %v", ErrBadSignature, p.ID, err)
	}
	data, err := signingPayload(p)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, data, sig) {
		return fmt.Errorf("%w: policy %s", ErrBadSignature, p.ID)
	}
	return nil
}

// SignBundle signs each policy with priv.
func SignBundle(priv ed25519.PrivateKey, policies []Policy) (*SignedPolicyBundle, error) {
	b := &SignedPolicyBundle{Policies: make([]Policy, 0, len(policies)), Signatures: make(map[string]string, len(policies))}
	for _, in := range policies {
		p := in.Clone()
		p.normalize()
		s, err := SignPolicy(priv, &p)
		if err != nil {
			return nil, err
		}
		b.Policies = append(b.Policies, p)
		b.Signatures[p.ID] = s
	}
	return b, nil
}

// VerifyBundle checks every policy signature; a missing one fails the bundle.
func VerifyBundle(pub ed25519.PublicKey, b *SignedPolicyBundle) error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", ErrBadSignature)
	}
	for i := range b.Policies {
		p := b.Policies[i].Clone()
		p.normalize()
		sig, ok := b.Signatures[p.ID]
		if !ok {
			return fmt.Errorf("%w: missing signature for policy %s", ErrBadSignature, p.ID)
		}
		if err := VerifyPolicySignature(pub, &p, sig); err != nil {
			return err
		}
	}
	return nil
}

// ApplySignedBundle verifies bundle and then replaces the store contents with
// it. Nothing changes when any signature or policy is bad.
func (e *Engine) ApplySignedBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	if err := VerifyBundle(pub, bundle); err != nil {
		return fmt.Errorf("bundle verification failed: %w", err)
	}
	replacer, ok := e.store.(PolicyReplacer)
	if !ok {
		return fmt.Errorf("policy store %T cannot replace policies", e.store)
	}
	if err := replacer.Replace(ctx, bundle.Policies); err != nil {
		return fmt.Errorf("apply bundle: %w", err)
	}
	e.logger.Info("signed bundle applied", "policies", len(bundle.Policies))
	return nil
}
