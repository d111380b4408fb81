// Package router implements the event router: event-type to channel
// resolution, per-channel append into the durable log, and filtered
// fan-out to subscribed sessions via the Session Gateway's broadcaster
// seam. It depends on the Subscription Manager and Durable Event Log but
// never on the Session Gateway concretely — only the Broadcaster
// interface — so the gateway <-> router dependency stays one-directional.
package router

import (
	"context"
	"sync"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/eventlog"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/logging"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/models"
	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/internal/subscription"
)

// Route maps one event type to the channel(s) it fans out to.
// EventType "*" is the built-in wildcard route, applied in addition to
// any exact match.
type Route struct {
	EventType string
	Channels  []string
}

// Broadcaster is the seam onto the Session Gateway: deliver one event to
// every live session subscribed to (orgId, channel) that passes filters.
// The router never holds a concrete *gateway.Hub so the two packages don't
// import each other.
type Broadcaster interface {
	BroadcastToChannel(orgID, channel string, event models.Event, matchedUserIDs []string)
}

// Router resolves event types to channels and fans events out, applying
// per-subscription filters, with a copy-on-write route table.
type Router struct {
	logger logging.Logger
	log    *eventlog.Log
	subs   *subscription.Manager
	bcast  Broadcaster

	mu     sync.RWMutex
	routes map[string][]Route // eventType -> routes (including "*" entries merged in at Route time)
}

// New creates a router with the built-in domain-event routes the gateway
// ships with; additional routes may be added dynamically via AddRoute.
func New(logger logging.Logger, log *eventlog.Log, subs *subscription.Manager, bcast Broadcaster) *Router {
	r := &Router{
		logger: logger,
		log:    log,
		subs:   subs,
		bcast:  bcast,
		routes: make(map[string][]Route),
	}
	for _, route := range defaultRoutes() {
		r.AddRoute(route)
	}
	return r
}

// defaultRoutes seeds the built-in domain-event-type to channel mapping,
// e.g. agent_events fanning out to both agent_status and agent_actions.
func defaultRoutes() []Route {
	return []Route{
		{EventType: "agent_events", Channels: []string{"agent_status", "agent_actions"}},
		{EventType: "system_events", Channels: []string{"system"}},
		{EventType: "user_events", Channels: []string{"user_activity"}},
	}
}

// AddRoute installs a route, copy-on-write so concurrent readers of the
// prior table are unaffected.
func (r *Router) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string][]Route, len(r.routes)+1)
	for k, v := range r.routes {
		next[k] = append([]Route(nil), v...)
	}
	next[route.EventType] = append(next[route.EventType], route)
	r.routes = next
}

// RemoveRoute removes every route registered for an event type.
func (r *Router) RemoveRoute(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string][]Route, len(r.routes))
	for k, v := range r.routes {
		if k == eventType {
			continue
		}
		next[k] = v
	}
	r.routes = next
}

func (r *Router) routesFor(eventType string) []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Route
	out = append(out, r.routes[eventType]...)
	out = append(out, r.routes["*"]...)
	return out
}

// Route resolves an event's channels, appends a per-channel copy to the
// durable log, and fans it out to matching subscribers. The event must
// already carry its orgId/userId stamped from the Principal (never the
// payload) by the caller (Session Gateway on publish).
func (r *Router) Route(ctx context.Context, event models.Event) ([]models.Event, error) {
	routes := r.routesFor(event.EventType)
	if len(routes) == 0 && event.Channel != "" {
		// No type-based route: the event still goes straight to its
		// declared channel.
		routes = []Route{{EventType: event.EventType, Channels: []string{event.Channel}}}
	}

	seen := make(map[string]struct{})
	var appended []models.Event

	for _, route := range routes {
		for _, channel := range route.Channels {
			if _, dup := seen[channel]; dup {
				continue
			}
			seen[channel] = struct{}{}

			perChannel := event
			perChannel.Channel = channel
			perChannel.ID = "" // re-append gets its own id/sequence per channel copy

			stored, err := r.log.Append(ctx, perChannel)
			if err != nil {
				return appended, err
			}
			appended = append(appended, stored)

			r.fanOut(stored)
		}
	}

	return appended, nil
}

// Publish is the Session Gateway's publish seam: fire-and-collect variant
// of Route that backgrounds the context, matching gateway.Publisher.
func (r *Router) Publish(event models.Event) error {
	_, err := r.Route(context.Background(), event)
	return err
}

// fanOut evaluates every live subscription for (orgId, channel) against
// the stored event and hands the matched set to the Broadcaster.
func (r *Router) fanOut(event models.Event) {
	subs := r.subs.SubscriptionsFor(event.OrgID, event.Channel)
	if len(subs) == 0 || r.bcast == nil {
		return
	}

	seen := make(map[string]struct{})
	var matched []string
	for _, sub := range subs {
		if !subscription.ApplyFilters(sub, event) {
			continue
		}
		if _, dup := seen[sub.UserID]; dup {
			continue
		}
		seen[sub.UserID] = struct{}{}
		matched = append(matched, sub.UserID)
	}
	if len(matched) == 0 {
		return
	}
	r.bcast.BroadcastToChannel(event.OrgID, event.Channel, event, matched)
}
