package broker

import (
	"reflect"
	"regexp"
)

// The predicate text is treated opaquely beyond two shallow checks: it must look
// like a subscription declaration, and the first identifier inside the block is
// the event-type tag. Full grammar validation is a collaborator's concern.
var (
	subscriptionShape = regexp.MustCompile(`(?s)^\s*subscription\b[^{]*\{`)
	eventTypeTag      = regexp.MustCompile(`(?s)subscription\b[^{]*\{\s*([A-Za-z_][A-Za-z0-9_]*)`)
)

// HasSubscriptionShape coarse syntactic check that the predicate text is a
// subscription declaration
func HasSubscriptionShape(query string) bool {
	return subscriptionShape.MatchString(query)
}

// ExtractEventType pull the event-type tag out of the predicate text.
//
// Returns "" when extraction fails; such subscriptions never match anything.
func ExtractEventType(query string) string {
	groups := eventTypeTag.FindStringSubmatch(query)
	if len(groups) != 2 {
		return ""
	}
	return groups[1]
}

// Matches decide whether an event should be delivered to a subscription.
//
// The predicate is conjunctive and short-circuiting: the event type tag must equal
// the event's type, and every key in the event's filter map must be present in the
// subscription's bound variables with an equal value. Filter keys absent from the
// event place no constraint. Stateless, safe to call from any goroutine.
func Matches(subscription *Subscription, event Event) bool {
	if subscription.EventType == "" || subscription.EventType != event.Type {
		return false
	}
	for key, expected := range event.Filters {
		bound, ok := subscription.Variables[key]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(bound, expected) {
			return false
		}
	}
	return true
}
