package vfs

import (
	"github.com/google/uuid"

	"github.com/stratofs/stratofs/pkg/status"
)

// Token is the opaque proof that a caller previously obtained a handle
// to a directory. Rename and Link resolve tokens back to their vnode
// through the dispatcher's token table. Tokens are never reused.
type Token = uuid.UUID

// tokenTable maps live tokens to their destination vnodes. Guarded by
// the owning VFS lock.
type tokenTable struct {
	byToken map[Token]Vnode
}

func (t *tokenTable) mint(vn Vnode) Token {
	if t.byToken == nil {
		t.byToken = make(map[Token]Vnode)
	}
	tok := uuid.New()
	t.byToken[tok] = vn
	return tok
}

func (t *tokenTable) lookup(tok Token) (Vnode, error) {
	vn, ok := t.byToken[tok]
	if !ok {
		return nil, status.Errorf(status.BadHandle, "unknown directory token")
	}
	return vn, nil
}

func (t *tokenTable) free(tok Token) {
	delete(t.byToken, tok)
}
