// Package mailbox provides the mailbox store contract, its DynamoDB
// implementation, and the request-scoped caches for open mailboxes and
// access rights.
package mailbox

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by Store implementations.
var (
	// ErrNotFound means no mailbox record exists under that name.
	ErrNotFound = errors.New("mailbox: not found")
	// ErrLocked means another request holds the exclusive lock.
	ErrLocked = errors.New("mailbox: locked by another request")
	// ErrLockUpgrade means a read-write open hit a read-only cached handle.
	ErrLockUpgrade = errors.New("mailbox: lock upgrade forbidden")
)

// Record is a mailbox's stored metadata.
type Record struct {
	MailboxID   string            `dynamodbav:"mailboxId"`
	AccountID   string            `dynamodbav:"accountId"`
	Name        string            `dynamodbav:"name"`
	Role        string            `dynamodbav:"role,omitempty"`
	SortOrder   int               `dynamodbav:"sortOrder"`
	ACL         map[string]string `dynamodbav:"acl"`
	ModSeq      uint64            `dynamodbav:"modseq"`
	UIDValidity uint32            `dynamodbav:"uidValidity"`
	TotalEmails int64             `dynamodbav:"totalEmails"`
	CreatedAt   string            `dynamodbav:"createdAt"`
	DeletedAt   string            `dynamodbav:"deletedAt,omitempty"`
}

// Handle is an open mailbox. A read-write handle holds the store-level
// exclusive lock until Commit or Abort; a read-only handle is a plain
// snapshot of the record.
type Handle struct {
	Record Record

	rw    bool
	owner string
	dirty bool
}

// ReadWrite reports whether the handle holds the exclusive lock.
func (h *Handle) ReadWrite() bool { return h.rw }

// MarkDirty flags the handle so Commit bumps the mailbox modseq. Marking a
// read-only handle is a programming error and panics.
func (h *Handle) MarkDirty() {
	if !h.rw {
		panic("mailbox: MarkDirty on read-only handle")
	}
	h.dirty = true
}

// Dirty reports whether the handle has pending mutations.
func (h *Handle) Dirty() bool { return h.dirty }

// Store is the backing mailbox store. The store provides its own locking;
// lock promotion is not supported, which is why the request cache forbids
// upgrades.
type Store interface {
	// Lookup fetches a mailbox record without opening or locking it.
	Lookup(ctx context.Context, accountID, name string) (*Record, error)

	// Open returns a handle for the named mailbox. With rw set the store
	// acquires the exclusive lock on behalf of owner; concurrent holders
	// yield ErrLocked.
	Open(ctx context.Context, accountID, name string, rw bool, owner string) (*Handle, error)

	// Commit releases a handle, bumping the mailbox modseq when the
	// handle is dirty. Read-only handles commit trivially.
	Commit(ctx context.Context, h *Handle) error

	// Abort releases a handle without publishing any mutation.
	Abort(ctx context.Context, h *Handle) error
}
