// Package subscription persists per-(tenant,user,channel) subscriptions
// with filter predicates and maintains the channel->subscribers index the
// Event Router fans events out against.
package subscription

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/apierr"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/tenant"
)

// validChannelName restricts channel names to [A-Za-z0-9_-]+.
func validChannelName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

// filterHash is the dedup key component distinguishing otherwise-identical
// (orgId, userId, channel) subscriptions that carry different filters.
func filterHash(f models.Filter) string {
	var b strings.Builder
	b.WriteString(strings.Join(f.EventTypes, ","))
	b.WriteByte('|')

	keys := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(f.Metadata[k])
		b.WriteByte(';')
	}
	b.WriteByte('|')
	b.WriteString(string(f.MinPriority))

	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum)
}

// Manager is the in-process subscription store: a concurrent map guarded
// by a single lock, matching the rest of the gateway's in-memory table
// idiom. Soft-deletes only; reads always filter on IsActive.
type Manager struct {
	mu   sync.RWMutex
	byID map[string]*models.Subscription
	// index: orgId -> channel -> set of subscriptionIds, for Subscribers().
	index map[string]map[string]map[string]struct{}
	// dedup: orgId:userId:channel:filterHash -> subscriptionId
	dedup map[string]string
}

// NewManager creates an empty subscription manager.
func NewManager() *Manager {
	return &Manager{
		byID:  make(map[string]*models.Subscription),
		index: make(map[string]map[string]map[string]struct{}),
		dedup: make(map[string]string),
	}
}

// Create persists a new subscription for the principal, enforcing that its
// orgId matches the creator's. Duplicate (orgId,userId,channel) is
// permitted only when filters differ — (orgId,userId,channel,filterHash)
// is the true dedup key.
func (m *Manager) Create(p tenant.Principal, channel string, filters models.Filter) (models.Subscription, error) {
	if !validChannelName(channel) {
		return models.Subscription{}, apierr.InvalidArgument("invalid_channel", "channel name must match [A-Za-z0-9_-]+")
	}

	key := fmt.Sprintf("%s:%s:%s:%s", p.OrgID, p.UserID, channel, filterHash(filters))

	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.dedup[key]; ok {
		if existing, ok := m.byID[existingID]; ok && existing.IsActive {
			return *existing, apierr.Conflict("duplicate_subscription", "an identical active subscription already exists")
		}
	}

	sub := models.Subscription{
		SubscriptionID: uuid.NewString(),
		OrgID:          p.OrgID,
		UserID:         p.UserID,
		Channel:        channel,
		Filters:        filters,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}

	m.byID[sub.SubscriptionID] = &sub
	m.dedup[key] = sub.SubscriptionID

	if m.index[p.OrgID] == nil {
		m.index[p.OrgID] = make(map[string]map[string]struct{})
	}
	if m.index[p.OrgID][channel] == nil {
		m.index[p.OrgID][channel] = make(map[string]struct{})
	}
	m.index[p.OrgID][channel][sub.SubscriptionID] = struct{}{}

	return sub, nil
}

// ListByUser returns every active subscription for (orgId, userId).
func (m *Manager) ListByUser(orgID, userID string) []models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Subscription
	for _, s := range m.byID {
		if s.OrgID == orgID && s.UserID == userID && s.IsActive {
			out = append(out, *s)
		}
	}
	return out
}

// ListByOrg returns every active subscription for a tenant.
func (m *Manager) ListByOrg(orgID string) []models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Subscription
	for _, s := range m.byID {
		if s.OrgID == orgID && s.IsActive {
			out = append(out, *s)
		}
	}
	return out
}

// Validate reports whether (orgId, userId) holds an active subscription
// to channel.
func (m *Manager) Validate(orgID, userID, channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.byID {
		if s.OrgID == orgID && s.UserID == userID && s.Channel == channel && s.IsActive {
			return true
		}
	}
	return false
}

// Subscribers returns the distinct userIds actively subscribed to
// (orgId, channel), the Event Router's fan-out seed set.
func (m *Manager) Subscribers(orgID, channel string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.index[orgID][channel]
	seen := make(map[string]struct{})
	var out []string
	for id := range ids {
		s, ok := m.byID[id]
		if !ok || !s.IsActive {
			continue
		}
		if _, dup := seen[s.UserID]; dup {
			continue
		}
		seen[s.UserID] = struct{}{}
		out = append(out, s.UserID)
	}
	return out
}

// SubscriptionsFor returns the active subscription records for
// (orgId, channel), used by the router to evaluate per-subscription
// filters rather than just the bare userId list.
func (m *Manager) SubscriptionsFor(orgID, channel string) []models.Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.index[orgID][channel]
	var out []models.Subscription
	for id := range ids {
		if s, ok := m.byID[id]; ok && s.IsActive {
			out = append(out, *s)
		}
	}
	return out
}

// Update replaces a subscription's filter predicate.
func (m *Manager) Update(orgID, subscriptionID string, filters models.Filter) (models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[subscriptionID]
	if !ok || s.OrgID != orgID || !s.IsActive {
		return models.Subscription{}, apierr.NotFound("subscription_not_found", "no such active subscription")
	}
	s.Filters = filters
	return *s, nil
}

// Delete soft-deletes a subscription; reads never observe it again.
func (m *Manager) Delete(orgID, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[subscriptionID]
	if !ok || s.OrgID != orgID {
		return apierr.NotFound("subscription_not_found", "no such subscription")
	}
	s.IsActive = false
	return nil
}

// ApplyFilters evaluates a subscription's filter predicate against an
// event: clauses AND together; filters are data evaluated by this fixed
// interpreter, never code supplied by a client.
func ApplyFilters(sub models.Subscription, event models.Event) bool {
	f := sub.Filters

	if len(f.EventTypes) > 0 {
		matched := false
		for _, t := range f.EventTypes {
			if t == event.EventType {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for k, v := range f.Metadata {
		if event.Metadata[k] != v {
			return false
		}
	}

	if f.MinPriority != "" && !event.Priority.AtLeast(f.MinPriority) {
		return false
	}

	return true
}
