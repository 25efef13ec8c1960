package relaytype

// DeliveredIdsCacheSize is the maximum number of ids DeliveredIds retains
// (spec §3, testable property 6).
const DeliveredIdsCacheSize = 1000

// DeliveredIds is a bounded, insertion-ordered set of OutboundMessage ids
// that have already been delivered but may not yet be acknowledged.
// Membership means "do not call deliver again; re-ack instead" (spec §3).
//
// It is owned exclusively by the outbound poller goroutine (spec §5) and
// is therefore not internally synchronised — callers must not share an
// instance across goroutines.
type DeliveredIds struct {
	order []string
	set   map[string]struct{}
}

// NewDeliveredIds returns an empty cache.
func NewDeliveredIds() *DeliveredIds {
	return &DeliveredIds{
		set: make(map[string]struct{}, DeliveredIdsCacheSize),
	}
}

// Contains reports whether id has already been delivered.
func (c *DeliveredIds) Contains(id string) bool {
	_, ok := c.set[id]
	return ok
}

// Add records id as delivered, evicting the oldest entry if the cache is
// already at capacity.
func (c *DeliveredIds) Add(id string) {
	if _, ok := c.set[id]; ok {
		return
	}
	if len(c.order) >= DeliveredIdsCacheSize {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.set, oldest)
	}
	c.order = append(c.order, id)
	c.set[id] = struct{}{}
}

// Len returns the current number of tracked ids.
func (c *DeliveredIds) Len() int { return len(c.order) }

// Snapshot returns the ids in insertion order, oldest first. Intended for
// tests only.
func (c *DeliveredIds) Snapshot() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}
