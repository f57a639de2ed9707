package mailbox

import (
	"context"
	"errors"
	"fmt"
)

// Cache is the per-request table of open mailboxes plus the memoized
// rights of the authenticated user. One request envelope owns exactly one
// Cache; nothing in it is shared across requests, so no locking. Entries
// are keyed by account and mailbox name, since one request may touch a
// second account (Foo/copy).
//
// The underlying store cannot promote a read-only lock to read-write. A
// request that will need write access to a mailbox some helper opens
// read-only must call ForceReadWrite before the first open; afterwards any
// read-write open of a read-only-cached mailbox fails with ErrLockUpgrade.
type Cache struct {
	store  Store
	userID string
	owner  string

	entries map[string]*cacheEntry
	rights  map[string]rightsEntry
	forceRW bool
	opened  bool
}

type cacheEntry struct {
	handle *Handle
	rw     bool
	refs   int
}

// rightsEntry memoizes one lookup; missing marks the tombstone for a
// mailbox that does not exist.
type rightsEntry struct {
	rights  Rights
	missing bool
}

// NewCache creates the cache for one request. owner identifies the request
// to the store's lock manager; userID is the authenticated user whose
// rights are memoized.
func NewCache(store Store, userID, owner string) *Cache {
	return &Cache{
		store:   store,
		userID:  userID,
		owner:   owner,
		entries: make(map[string]*cacheEntry),
		rights:  make(map[string]rightsEntry),
	}
}

func cacheKey(accountID, name string) string {
	return accountID + "\x1f" + name
}

// ForceReadWrite makes every subsequent open acquire a read-write handle,
// regardless of what the caller asks for. It must be called before the
// first open; later calls fail so a half-populated cache cannot end up with
// mixed lock modes.
func (c *Cache) ForceReadWrite() error {
	if c.opened {
		return errors.New("mailbox: ForceReadWrite after first open")
	}
	c.forceRW = true
	return nil
}

// Open returns a handle for name in accountID, reusing the cached one when
// present. A read-write request against a cached read-only handle fails
// with ErrLockUpgrade.
func (c *Cache) Open(ctx context.Context, accountID, name string, rw bool) (*Handle, error) {
	if c.forceRW {
		rw = true
	}

	key := cacheKey(accountID, name)
	if entry, ok := c.entries[key]; ok {
		if rw && !entry.rw {
			return nil, ErrLockUpgrade
		}
		entry.refs++
		return entry.handle, nil
	}

	handle, err := c.store.Open(ctx, accountID, name, rw, c.owner)
	if err != nil {
		return nil, err
	}
	c.opened = true
	c.entries[key] = &cacheEntry{handle: handle, rw: rw, refs: 1}
	return handle, nil
}

// IsOpen reports whether the mailbox is in the cache.
func (c *Cache) IsOpen(accountID, name string) bool {
	_, ok := c.entries[cacheKey(accountID, name)]
	return ok
}

// Close is the advisory release of one open. The cache keeps the handle
// until teardown; closing more often than opening is a programming error.
func (c *Cache) Close(h *Handle) {
	if h == nil {
		return
	}
	entry, ok := c.entries[cacheKey(h.Record.AccountID, h.Record.Name)]
	if !ok || entry.handle != h {
		panic("mailbox: Close of handle not owned by this cache")
	}
	if entry.refs == 0 {
		panic("mailbox: Close without matching Open")
	}
	entry.refs--
}

// FlushCommit commits every cached handle exactly once. Called at request
// teardown on the success path; the first error is reported but every
// handle is still released.
func (c *Cache) FlushCommit(ctx context.Context) error {
	var firstErr error
	for _, entry := range c.entries {
		if err := c.store.Commit(ctx, entry.handle); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("commit %q: %w", entry.handle.Record.Name, err)
		}
	}
	c.entries = make(map[string]*cacheEntry)
	return firstErr
}

// FlushAbort aborts every cached handle exactly once. Called at request
// teardown on the failure path.
func (c *Cache) FlushAbort(ctx context.Context) {
	for _, entry := range c.entries {
		_ = c.store.Abort(ctx, entry.handle)
	}
	c.entries = make(map[string]*cacheEntry)
}

// Rights returns the authenticated user's rights on the mailbox, memoized
// for the rest of the request. A missing mailbox is remembered with a
// tombstone so repeated probes stay cheap.
func (c *Cache) Rights(ctx context.Context, accountID, name string) (Rights, error) {
	key := cacheKey(accountID, name)
	if entry, ok := c.rights[key]; ok {
		if entry.missing {
			return 0, ErrNotFound
		}
		return entry.rights, nil
	}

	// An open handle already carries the record; spare the store lookup.
	if entry, ok := c.entries[key]; ok {
		r := entry.handle.Record.UserRights(c.userID)
		c.rights[key] = rightsEntry{rights: r}
		return r, nil
	}

	record, err := c.store.Lookup(ctx, accountID, name)
	if errors.Is(err, ErrNotFound) {
		c.rights[key] = rightsEntry{missing: true}
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	r := record.UserRights(c.userID)
	c.rights[key] = rightsEntry{rights: r}
	return r, nil
}

// HasRights reports whether the user holds every right in mask on the
// mailbox. Lookup failures read as "no".
func (c *Cache) HasRights(ctx context.Context, accountID, name string, mask Rights) bool {
	r, err := c.Rights(ctx, accountID, name)
	if err != nil {
		return false
	}
	return r.Has(mask)
}

// InvalidateRights drops the memoized rights for the mailbox; used when a
// handler alters the ACL mid-request.
func (c *Cache) InvalidateRights(accountID, name string) {
	delete(c.rights, cacheKey(accountID, name))
}
