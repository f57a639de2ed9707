package shapes

import (
	"context"

	"github.com/jarrod-lowe/jmap-server/internal/jmap"
	"github.com/jarrod-lowe/jmap-server/internal/mailbox"
)

// nopStore satisfies mailbox.Store for tests that never touch mailboxes.
type nopStore struct{}

func (nopStore) Lookup(ctx context.Context, accountID, name string) (*mailbox.Record, error) {
	return nil, mailbox.ErrNotFound
}

func (nopStore) Open(ctx context.Context, accountID, name string, rw bool, owner string) (*mailbox.Handle, error) {
	return nil, mailbox.ErrNotFound
}

func (nopStore) Commit(ctx context.Context, h *mailbox.Handle) error { return nil }
func (nopStore) Abort(ctx context.Context, h *mailbox.Handle) error  { return nil }

// stubStates serves fixed per-type counters.
type stubStates struct {
	modseq map[string]uint64
}

func (s *stubStates) HighestModSeq(ctx context.Context, accountID, objType string) (uint64, error) {
	return s.modseq[objType], nil
}

func (s *stubStates) BumpModSeq(ctx context.Context, accountID, objType string) (uint64, error) {
	if s.modseq == nil {
		s.modseq = map[string]uint64{}
	}
	s.modseq[objType]++
	return s.modseq[objType], nil
}

func (s *stubStates) SessionState(ctx context.Context, accountID string) (uint64, error) {
	return 0, nil
}

// newTestReq builds a request context carrying args, with sane limits.
func newTestReq(args map[string]any) *jmap.Req {
	settings := jmap.NewSettings(jmap.Limits{
		MaxSizeRequest:    1000000,
		MaxCallsInRequest: 16,
		MaxObjectsInGet:   4,
		MaxObjectsInSet:   4,
	})
	req := jmap.InitReq(settings, "user-1", &stubStates{modseq: map[string]uint64{"Test": 5}},
		mailbox.NewCache(nopStore{}, "user-1", "req-1"))
	req.Method = "Test/get"
	req.ClientID = "c0"
	req.Args = args
	return req
}
