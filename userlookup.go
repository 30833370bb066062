package cpio

import (
	"os/user"
	"strconv"
	"sync"
)

// nameCache resolves uid/gid numbers to names, caching both hits and
// misses process-wide. It is a pure function of the host's passwd/group
// databases and is never invalidated during a run.
type nameCache struct {
	mu    sync.Mutex
	users map[uint32]string
	groups map[uint32]string
}

var names = &nameCache{
	users:  make(map[uint32]string),
	groups: make(map[uint32]string),
}

// UserName returns the login name for uid, falling back to its decimal
// string form if no passwd entry exists.
func (c *nameCache) UserName(uid uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name, ok := c.users[uid]; ok {
		return name
	}

	name := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(name); err == nil {
		name = u.Username
	}
	c.users[uid] = name
	return name
}

// GroupName returns the group name for gid, falling back to its decimal
// string form if no group entry exists.
func (c *nameCache) GroupName(gid uint32) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name, ok := c.groups[gid]; ok {
		return name
	}

	name := strconv.FormatUint(uint64(gid), 10)
	if g, err := user.LookupGroupId(name); err == nil {
		name = g.Name
	}
	c.groups[gid] = name
	return name
}
