// Package route defines the sticky route record: a persisted binding from
// a conversation slot to the node that last served it. Stickiness keeps
// provider-side per-conversation context warm at one node.
package route

import (
	"time"

	"github.com/omnigate/steward/id"
)

// Route binds (conversation, slot) to a node URL. At most one row exists
// per key. Only the router creates or updates routes; no other component
// reads them.
type Route struct {
	ConversationID id.ConversationID `json:"conversation_id"`
	SlotID         int               `json:"slot_id"`
	NodeURL        string            `json:"node_url"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
