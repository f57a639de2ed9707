package blob

import (
	"context"
	"errors"

	"github.com/jarrod-lowe/jmap-server/internal/ids"
	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/mailbox"
	"github.com/jarrod-lowe/jmap-server/internal/parser"
	"github.com/jarrod-lowe/jmap-server/internal/shapes"
)

// objType tags blob state tokens and state-change events.
const objType = "Blob"

// blobProperties are the advertised Blob/get properties.
var blobProperties = []string{"size", "type", "mailboxIds", "threadIds", "emailIds"}

// MessageIndex resolves which messages reference a blob. The mail module
// provides the real implementation; without one, the reference properties
// come back empty.
type MessageIndex interface {
	// References returns the mailbox ids, thread ids and email ids of
	// every message carrying the blob.
	References(ctx context.Context, accountID, blobID string) (mailboxIDs, threadIDs, emailIDs []string, err error)
}

// BlobStore is the slice of Store the method handlers need; split out so
// tests can inject a fake.
type BlobStore interface {
	Get(ctx context.Context, accountID, blobID string) (*Record, error)
	Copy(ctx context.Context, fromAccountID, toAccountID, blobID string) (*Record, error)
	Destroy(ctx context.Context, accountID, blobID string) error
}

// Methods hosts the blob method handlers.
type Methods struct {
	Store BlobStore
	Index MessageIndex
}

// Get handles Blob/get.
func (m *Methods) Get(ctx context.Context, req *jmap.Req) error {
	p := parser.New()
	get, parseErr := shapes.ParseGet(req, p, shapes.GetParams{
		ValidProperties: blobProperties,
		AllowNullIDs:    false,
	})
	if parseErr != nil {
		req.Error(parseErr)
		return nil
	}

	state, err := req.State(ctx, objType, false)
	if err != nil {
		return err
	}
	get.State = state

	for _, blobID := range get.IDs {
		if !ids.IsBlobID(blobID) {
			get.NotFoundID(blobID)
			continue
		}
		record, err := m.Store.Get(ctx, req.AccountID, blobID)
		if errors.Is(err, ErrNotFound) {
			get.NotFoundID(blobID)
			continue
		}
		if err != nil {
			return err
		}

		obj := map[string]any{"id": record.BlobID}
		if get.WantProp("size") {
			obj["size"] = record.Size
		}
		if get.WantProp("type") {
			obj["type"] = record.ContentType
		}
		if err := m.addReferenceProps(ctx, req, get, record, obj); err != nil {
			return err
		}
		get.Found(obj)
	}

	req.Ok(get.Reply())
	return nil
}

// addReferenceProps fills the mailboxIds/threadIds/emailIds maps when the
// client asked for them.
func (m *Methods) addReferenceProps(ctx context.Context, req *jmap.Req, get *shapes.Get, record *Record, obj map[string]any) error {
	wantMailboxes := get.WantProp("mailboxIds")
	wantThreads := get.WantProp("threadIds")
	wantEmails := get.WantProp("emailIds")
	if !wantMailboxes && !wantThreads && !wantEmails {
		return nil
	}

	var mailboxIDs, threadIDs, emailIDs []string
	if m.Index != nil {
		var err error
		mailboxIDs, threadIDs, emailIDs, err = m.Index.References(ctx, req.AccountID, record.BlobID)
		if err != nil {
			return err
		}
	}

	if wantMailboxes {
		obj["mailboxIds"] = idSet(mailboxIDs)
	}
	if wantThreads {
		obj["threadIds"] = idSet(threadIDs)
	}
	if wantEmails {
		obj["emailIds"] = idSet(emailIDs)
	}
	return nil
}

func idSet(list []string) map[string]any {
	set := make(map[string]any, len(list))
	for _, id := range list {
		set[id] = true
	}
	return set
}

// Copy handles Blob/copy. Source blobs are named by id ("blobIds"); the
// copy is all-or-nothing only with respect to the deferred destroy.
func (m *Methods) Copy(ctx context.Context, req *jmap.Req) error {
	p := parser.New()
	var blobIDs []string
	haveBlobIDs := false

	copyShape, parseErr := shapes.ParseCopy(req, p, shapes.CopyParams{
		ExtraArgs: func(p *parser.Parser, name string, value any) bool {
			if name != "blobIds" {
				return false
			}
			haveBlobIDs = true
			blobIDs, _ = p.ReadStringArray(req.Args, name, true)
			return true
		},
	})
	if parseErr != nil {
		req.Error(parseErr)
		return nil
	}
	if !haveBlobIDs {
		req.Error(jmap.InvalidArgumentsError("blobIds"))
		return nil
	}

	// The source account must resolve; a missing INBOX means the account
	// itself is unknown.
	if _, err := req.Mailboxes.Rights(ctx, copyShape.FromAccountID, "INBOX"); err != nil {
		if errors.Is(err, mailbox.ErrNotFound) {
			req.Error(jmap.AccountNotFoundError())
			return nil
		}
		return err
	}

	copied := make([]string, 0, len(blobIDs))
	for _, rawID := range blobIDs {
		blobID, ok := req.IDValue(rawID)
		if !ok {
			copyShape.NotCreated[rawID] = jmap.SetErrorOf("blobNotFound")
			continue
		}
		record, err := m.Store.Copy(ctx, copyShape.FromAccountID, req.AccountID, blobID)
		if errors.Is(err, ErrNotFound) {
			copyShape.NotCreated[rawID] = jmap.SetErrorOf("blobNotFound")
			continue
		}
		if errors.Is(err, ErrOverQuota) {
			copyShape.NotCreated[rawID] = jmap.SetErrorOf("overQuota")
			continue
		}
		if err != nil {
			return err
		}
		copyShape.Created[rawID] = record.BlobID
		copied = append(copied, blobID)
	}

	copyShape.ScheduleDestroy(req, "Blob/set", copied)
	req.Ok(copyShape.Reply())
	return nil
}

// Set handles Blob/set. Blobs are immutable and content-addressed, so only
// destroy is honoured; create and update entries fail per object.
func (m *Methods) Set(ctx context.Context, req *jmap.Req) error {
	p := parser.New()
	set, parseErr := shapes.ParseSet(req, p, shapes.SetParams{})
	if parseErr != nil {
		req.Error(parseErr)
		return nil
	}

	if stateErr := set.CheckState(ctx, req, objType); stateErr != nil {
		req.Error(stateErr)
		return nil
	}

	for creationID := range set.Create {
		set.NotCreated[creationID] = &jmap.SetError{
			Type:        "forbidden",
			Description: "Blobs are created by upload, not Blob/set",
		}
	}
	for id := range set.Update {
		set.NotUpdated[id] = &jmap.SetError{
			Type:        "forbidden",
			Description: "Blobs are immutable",
		}
	}

	for _, blobID := range set.Destroy {
		err := m.Store.Destroy(ctx, req.AccountID, blobID)
		if errors.Is(err, ErrNotFound) {
			set.NotDestroyed[blobID] = jmap.SetErrorOf("blobNotFound")
			continue
		}
		if err != nil {
			return err
		}
		set.Destroyed = append(set.Destroyed, blobID)
	}

	if set.Mutated() {
		newState, err := req.BumpState(ctx, objType)
		if err != nil {
			return err
		}
		set.NewState = newState
	} else {
		set.NewState = set.OldState
	}

	req.Ok(set.Reply())
	return nil
}
