package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

type nameEntry struct {
	LongName  string
	ShortName string
}

// nameCache keeps node display names in memory so incoming messages can be
// labelled without a query per packet.
type nameCache struct {
	mu    sync.RWMutex
	nodes map[string]nameEntry
}

func newNameCache() *nameCache {
	return &nameCache{nodes: make(map[string]nameEntry)}
}

func (c *nameCache) load(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
        SELECT node_id, COALESCE(long_name, ''), COALESCE(short_name, '')
        FROM nodes
    `)
	if err != nil {
		return fmt.Errorf("name cache load query: %w", err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	for rows.Next() {
		var id string
		var entry nameEntry
		if err := rows.Scan(&id, &entry.LongName, &entry.ShortName); err != nil {
			return fmt.Errorf("name cache scan: %w", err)
		}
		c.nodes[id] = entry
	}
	return rows.Err()
}

// merge keeps previously known names when an update carries none.
func (c *nameCache) merge(id, longName, shortName string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.nodes[id]
	if longName != "" {
		entry.LongName = longName
	}
	if shortName != "" {
		entry.ShortName = shortName
	}
	c.nodes[id] = entry
}

func (c *nameCache) name(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.nodes[id]
	if !ok {
		return ""
	}
	if entry.LongName != "" {
		return entry.LongName
	}
	return entry.ShortName
}

func (c *nameCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes = make(map[string]nameEntry)
}
