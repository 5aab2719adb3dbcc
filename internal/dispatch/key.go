// Package dispatch turns a classified event into exactly one
// orchestration run: it derives the idempotency key and starts the run
// on the workflow engine.
package dispatch

import "strings"

// Key derives the idempotency key for one delivery. The repository full
// name has its slashes flattened to hyphens, then the delivery ID is
// appended. The derivation is pure: redelivery reproduces the same key,
// and distinct deliveries get distinct keys because the delivery ID is
// unique per delivery.
//
//	Key("acme/widgets", "abc-123") == "acme-widgets-abc-123"
func Key(repoFullName, deliveryID string) string {
	return strings.ReplaceAll(repoFullName, "/", "-") + "-" + deliveryID
}
