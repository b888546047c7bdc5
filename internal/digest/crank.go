package digest

import (
	"crypto/sha256"
	"encoding/hex"
)

// CrankHasher records consensus KV mutations made during one crank. The
// log is kept as entries rather than a running hash so a savepoint
// rollback can truncate it.
type CrankHasher struct {
	entries []string
}

// Add records a set of key to value.
func (c *CrankHasher) Add(key, value string) {
	c.entries = append(c.entries, "add\x00"+key+"\x00"+value+"\x00")
}

// Delete records a deletion of key.
func (c *CrankHasher) Delete(key string) {
	c.entries = append(c.entries, "delete\x00"+key+"\x00")
}

// Mark returns the current log position for a later Truncate.
func (c *CrankHasher) Mark() int {
	return len(c.entries)
}

// Truncate drops every entry recorded after mark.
func (c *CrankHasher) Truncate(mark int) {
	if mark < len(c.entries) {
		c.entries = c.entries[:mark]
	}
}

// Reset empties the log.
func (c *CrankHasher) Reset() {
	c.entries = nil
}

// Sum returns the hex SHA-256 over all recorded entries.
func (c *CrankHasher) Sum() string {
	h := sha256.New()
	for _, e := range c.entries {
		h.Write([]byte(e))
	}
	return hex.EncodeToString(h.Sum(nil))
}
