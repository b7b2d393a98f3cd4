package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/ZentaChain/adnl/pkg/protocol"
)

const (
	// DefaultTTL is how long a partial message waits for its remaining parts
	DefaultTTL = 30 * time.Second
	// DefaultCapacity bounds the number of partial messages kept at once
	DefaultCapacity = 1024
)

// partial accumulates the parts of one message
type partial struct {
	totalSize int
	buf       []byte
	covered   []uint64 // one bit per byte of buf
	received  int
	parts     int
}

func newPartial(totalSize int) *partial {
	return &partial{
		totalSize: totalSize,
		buf:       make([]byte, totalSize),
		covered:   make([]uint64, (totalSize+63)/64),
	}
}

// add copies data at off and returns how many bytes were new
func (p *partial) add(off int, data []byte) int {
	copy(p.buf[off:], data)
	added := 0
	for i := off; i < off+len(data); i++ {
		word, bit := i/64, uint(i%64)
		if p.covered[word]&(1<<bit) == 0 {
			p.covered[word] |= 1 << bit
			added++
		}
	}
	p.received += added
	p.parts++
	return added
}

func (p *partial) complete() bool {
	return p.received == p.totalSize
}

// Reassembler rebuilds messages from parts. Completion is driven by the
// number of distinct bytes received, so duplicated, overlapping and
// reordered parts are all tolerated. Partial messages expire after the TTL.
type Reassembler struct {
	mu        sync.Mutex
	partials  *expirable.LRU[string, *partial]
	completed *expirable.LRU[string, struct{}]
}

// NewReassembler creates a reassembler keeping at most capacity partial
// messages for at most ttl each.
func NewReassembler(capacity int, ttl time.Duration) *Reassembler {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Reassembler{
		partials:  expirable.NewLRU[string, *partial](capacity, nil, ttl),
		completed: expirable.NewLRU[string, struct{}](capacity, nil, ttl),
	}
}

// Add stores a part sent by sender. It returns the whole message once every
// byte has arrived and the hash matches; until then it returns nil. Parts of
// a message that already completed are ignored. Senders never share partial
// messages, even for equal hashes.
func (r *Reassembler) Add(sender string, part *protocol.Part) ([]byte, error) {
	total := int(part.TotalSize)
	off := int(part.Offset)
	if total < 0 || total > MaxMessageSize {
		return nil, fmt.Errorf("%w: total size %d", ErrInvalidPart, total)
	}
	if off < 0 || off+len(part.Data) > total {
		return nil, fmt.Errorf("%w: range %d+%d outside %d", ErrInvalidPart, off, len(part.Data), total)
	}

	key := sender + "/" + hex.EncodeToString(part.Hash[:])

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.completed.Contains(key) {
		return nil, nil
	}

	p, ok := r.partials.Get(key)
	if !ok {
		p = newPartial(total)
		r.partials.Add(key, p)
	} else if p.totalSize != total {
		return nil, fmt.Errorf("%w: total size %d, earlier parts said %d", ErrInvalidPart, total, p.totalSize)
	}

	if p.add(off, part.Data) == 0 && total > 0 {
		return nil, nil
	}
	if p.parts > MaxParts*2 {
		// a sender flooding tiny overlapping parts
		r.partials.Remove(key)
		return nil, fmt.Errorf("%w: too many parts for %x", ErrInvalidPart, part.Hash[:8])
	}
	if !p.complete() {
		return nil, nil
	}

	r.partials.Remove(key)
	sum := sha256.Sum256(p.buf)
	if sum != part.Hash {
		return nil, fmt.Errorf("%w: reassembled message hash mismatch", ErrInvalidPart)
	}
	r.completed.Add(key, struct{}{})
	return p.buf, nil
}

// Pending returns the number of partial messages being assembled
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partials.Len()
}
