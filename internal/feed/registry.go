package feed

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"tradedeck/logger"
	"tradedeck/models"
)

// Callback receives normalized events for one subscribed feed.
type Callback func(event models.Event)

type subscription struct {
	token    uuid.UUID
	callback Callback
}

// Registry maps feed identities to their subscriber callbacks and reference
// counts them: the first subscriber of an identity is what triggers a wire
// subscription, the last one leaving is what tears it down. Callbacks are
// addressed by token, not by function identity.
type Registry struct {
	mu   sync.RWMutex
	subs map[models.FeedIdentity][]subscription
	log  *logger.Log
}

func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[models.FeedIdentity][]subscription),
		log:  logger.GetLogger(),
	}
}

// Add registers a callback under the given token and reports whether it is
// the first subscriber for the identity. Re-adding an existing token for the
// same identity is a logged no-op. Identities are stored in canonical form so
// a subscriber and the wire dispatch path always agree on the key.
func (r *Registry) Add(identity models.FeedIdentity, token uuid.UUID, cb Callback) (first bool) {
	identity = identity.Canonical()
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.subs[identity]
	for _, sub := range existing {
		if sub.token == token {
			r.log.WithComponent("subscription_registry").WithFields(logger.Fields{
				"identity": identity.String(),
				"token":    token.String(),
			}).Info("duplicate subscription ignored")
			return false
		}
	}

	r.subs[identity] = append(existing, subscription{token: token, callback: cb})
	return len(existing) == 0
}

// Remove drops one subscriber and reports whether the identity now has none
// left. Removing an unknown token is a no-op that reports the current state.
func (r *Registry) Remove(identity models.FeedIdentity, token uuid.UUID) (empty bool) {
	identity = identity.Canonical()
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[identity]
	for i, sub := range subs {
		if sub.token == token {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, identity)
		return true
	}
	r.subs[identity] = subs
	return false
}

// RemoveAll drops every subscriber of the identity (full teardown) and
// reports whether any were present.
func (r *Registry) RemoveAll(identity models.FeedIdentity) (hadAny bool) {
	identity = identity.Canonical()
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.subs[identity]
	delete(r.subs, identity)
	return ok
}

// Dispatch delivers an event to every subscriber of the identity. A
// panicking callback is contained and logged; its siblings still run.
func (r *Registry) Dispatch(identity models.FeedIdentity, event models.Event) int {
	identity = identity.Canonical()
	r.mu.RLock()
	subs := make([]subscription, len(r.subs[identity]))
	copy(subs, r.subs[identity])
	r.mu.RUnlock()

	for _, sub := range subs {
		r.invoke(identity, sub, event)
	}
	return len(subs)
}

// DispatchKind fans an event out to every subscriber of every identity of the
// given kind. Used when an inbound message cannot be attributed to one exact
// identity. Returns the number of callbacks invoked.
func (r *Registry) DispatchKind(kind models.FeedKind, event models.Event) int {
	r.mu.RLock()
	var targets []struct {
		identity models.FeedIdentity
		sub      subscription
	}
	for identity, subs := range r.subs {
		if identity.Kind != kind {
			continue
		}
		for _, sub := range subs {
			targets = append(targets, struct {
				identity models.FeedIdentity
				sub      subscription
			}{identity, sub})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		r.invoke(t.identity, t.sub, event)
	}
	return len(targets)
}

func (r *Registry) invoke(identity models.FeedIdentity, sub subscription, event models.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithComponent("subscription_registry").WithFields(logger.Fields{
				"identity": identity.String(),
				"token":    sub.token.String(),
				"panic":    rec,
			}).Error("subscriber callback panicked")
		}
	}()
	sub.callback(event)
}

// ActiveIdentities returns every identity with at least one subscriber. The
// adapter re-issues wire subscriptions for exactly this set after a reconnect.
func (r *Registry) ActiveIdentities() []models.FeedIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]models.FeedIdentity, 0, len(r.subs))
	for identity := range r.subs {
		identities = append(identities, identity)
	}
	return identities
}

// SubscriberCount reports the number of callbacks registered for an identity.
func (r *Registry) SubscriberCount(identity models.FeedIdentity) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[identity.Canonical()])
}

// HasTradeSubscribers reports whether any trade feed for the symbol is still
// subscribed, across all parameters.
func (r *Registry) HasTradeSubscribers(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for identity, subs := range r.subs {
		if identity.Kind == models.FeedKindTrade && identity.Symbol == symbol && len(subs) > 0 {
			return true
		}
	}
	return false
}
