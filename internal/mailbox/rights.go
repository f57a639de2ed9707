package mailbox

import "strings"

// Rights is a bitset of a user's access rights on a mailbox.
type Rights int

// Individual rights, one per ACL letter.
const (
	RightLookup        Rights = 1 << iota // l - mailbox is visible
	RightRead                             // r - read messages
	RightSeen                             // s - keep per-user seen state
	RightWrite                            // w - write flags other than seen/deleted
	RightInsert                           // i - append messages
	RightPost                             // p - submit to this mailbox
	RightCreateChild                      // k - create child mailboxes
	RightDeleteMailbox                    // x - delete the mailbox itself
	RightDeleteMessage                    // t - mark messages deleted
	RightExpunge                          // e - expunge deleted messages
	RightAdmin                            // a - administer the ACL
)

// RightsAll is every right combined.
const RightsAll = RightLookup | RightRead | RightSeen | RightWrite |
	RightInsert | RightPost | RightCreateChild | RightDeleteMailbox |
	RightDeleteMessage | RightExpunge | RightAdmin

var rightLetters = map[byte]Rights{
	'l': RightLookup,
	'r': RightRead,
	's': RightSeen,
	'w': RightWrite,
	'i': RightInsert,
	'p': RightPost,
	'k': RightCreateChild,
	'x': RightDeleteMailbox,
	't': RightDeleteMessage,
	'e': RightExpunge,
	'a': RightAdmin,
}

// ParseRights converts an ACL rights string ("lrswipkxtea") to a bitset.
// Unknown letters are ignored so records written by a newer server still
// parse.
func ParseRights(s string) Rights {
	var r Rights
	for i := 0; i < len(s); i++ {
		r |= rightLetters[s[i]]
	}
	return r
}

// String renders the bitset back to the canonical letter order.
func (r Rights) String() string {
	var b strings.Builder
	for _, letter := range []byte("lrswipkxtea") {
		if r&rightLetters[letter] != 0 {
			b.WriteByte(letter)
		}
	}
	return b.String()
}

// Has reports whether every right in mask is held.
func (r Rights) Has(mask Rights) bool {
	return r&mask == mask
}

// UserRights resolves the rights string for userID from a record's ACL.
// An entry for userID wins, then an "anyone" entry; failing both, the
// mailbox owner (the account itself) implicitly holds all rights.
func (rec *Record) UserRights(userID string) Rights {
	if s, ok := rec.ACL[userID]; ok {
		return ParseRights(s)
	}
	if s, ok := rec.ACL["anyone"]; ok {
		return ParseRights(s)
	}
	if userID == rec.AccountID {
		return RightsAll
	}
	return 0
}
