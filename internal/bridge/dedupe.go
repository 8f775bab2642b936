package bridge

// dedupeSet remembers the most recent client message ids. Once full, the
// oldest id is forgotten first.
type dedupeSet struct {
	ring []string
	head int
	size int
	seen map[string]struct{}
}

func newDedupeSet(limit int) *dedupeSet {
	if limit < 1 {
		limit = 1
	}
	return &dedupeSet{
		ring: make([]string, limit),
		seen: make(map[string]struct{}, limit),
	}
}

func (d *dedupeSet) contains(id string) bool {
	_, ok := d.seen[id]
	return ok
}

// observe records id and reports whether it had already been seen.
func (d *dedupeSet) observe(id string) bool {
	if d.contains(id) {
		return true
	}
	if d.size == len(d.ring) {
		delete(d.seen, d.ring[d.head])
		d.ring[d.head] = id
		d.head = (d.head + 1) % len(d.ring)
	} else {
		d.ring[(d.head+d.size)%len(d.ring)] = id
		d.size++
	}
	d.seen[id] = struct{}{}
	return false
}

func (d *dedupeSet) len() int { return d.size }
