package walletpolicy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrHmacMismatch is returned, under MismatchFail, when
	// re-registration of a policy yields an authentication tag that
	// differs from the cached one. This means the device no longer
	// recognizes the cached registration, typically after a firmware
	// reset.
	ErrHmacMismatch = errors.New("policy registration hmac mismatch")

	// ErrNotRegistered is returned when a signing or address check call
	// needs a registration proof for a policy the cache has never seen.
	ErrNotRegistered = errors.New("wallet policy not registered")
)

// Registration is the device's proof that a policy was registered: an
// opaque policy identifier and an HMAC derived from the policy. The
// caller must persist it and resupply it on every later address
// confirmation or signing call for the same wallet.
type Registration struct {
	// PolicyID is the device assigned identifier of the policy.
	PolicyID []byte

	// HMAC is the authentication tag the device requires back.
	HMAC []byte
}

// Registrar performs the on-device policy registration exchange.
// Implemented by the vendor layer for v2 capable apps.
type Registrar interface {
	// RegisterPolicy walks the user through confirming the policy on
	// the device and returns the registration proof.
	RegisterPolicy(ctx context.Context, policy *Policy) (*Registration,
		error)
}

// MismatchMode selects how re-registration treats an HMAC that differs
// from the cached one. Vendor API generations disagree on the right
// behavior, so it is an explicit caller choice here.
type MismatchMode uint8

const (
	// MismatchWarn logs the discrepancy, adopts the fresh registration
	// and does not raise. This matches observed device app behavior.
	MismatchWarn MismatchMode = iota

	// MismatchFail treats the discrepancy as a consistency error.
	MismatchFail
)

// Cache stores policy registrations per policy identity so repeat signing
// calls against the same wallet skip the on-device confirmation.
type Cache struct {
	registrar Registrar
	mode      MismatchMode

	mu      sync.Mutex
	entries map[[32]byte]*Registration
}

// NewCache wraps a registrar with a registration cache using the given
// mismatch handling mode.
func NewCache(registrar Registrar, mode MismatchMode) *Cache {
	return &Cache{
		registrar: registrar,
		mode:      mode,
		entries:   make(map[[32]byte]*Registration),
	}
}

// Seed installs a registration persisted by an earlier session.
func (c *Cache) Seed(policy *Policy, reg *Registration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[policy.ID()] = reg
}

// Lookup returns the cached registration for a policy.
func (c *Cache) Lookup(policy *Policy) (*Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, ok := c.entries[policy.ID()]

	return reg, ok
}

// Proof returns the registration proof a signing call must carry, failing
// when the policy was never registered this session or seeded from
// persistence.
func (c *Cache) Proof(policy *Policy) (*Registration, error) {
	reg, ok := c.Lookup(policy)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered,
			policy.Name)
	}

	return reg, nil
}

// Register ensures the policy is registered with the device, reusing the
// cached proof when one exists. With verify set, the device exchange is
// performed even on a cache hit and the fresh HMAC is compared to the
// cached one; handling of a mismatch follows the cache's MismatchMode.
func (c *Cache) Register(ctx context.Context, policy *Policy,
	verify bool) (*Registration, error) {

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	cached, ok := c.Lookup(policy)
	if ok && !verify {
		return cached, nil
	}

	fresh, err := c.registrar.RegisterPolicy(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("registering policy %q: %w",
			policy.Name, err)
	}

	if ok && !bytes.Equal(cached.HMAC, fresh.HMAC) {
		if c.mode == MismatchFail {
			return nil, fmt.Errorf("%w: policy %q",
				ErrHmacMismatch, policy.Name)
		}

		log.Warnf("Policy %q re-registration produced a different "+
			"hmac; adopting the fresh registration",
			policy.Name)
	}

	c.mu.Lock()
	c.entries[policy.ID()] = fresh
	c.mu.Unlock()

	return fresh, nil
}
