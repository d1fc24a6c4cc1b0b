package mongowire

import (
	"context"
	"runtime"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/kschlieper/mongowire/wire"
)

const defaultChunkSize int32 = 10

// Cursor lazily iterates a server-side result set, issuing GetMore
// requests as its pending batch is exhausted.
type Cursor struct {
	namespace string
	coll      *Collection
	cursorID  int64
	pending   []bson.Raw
	chunkSize int32
	exhausted bool
	closed    bool
}

func newCursorFromReply(coll *Collection, namespace string, reply wire.Reply, chunkSize int32) *Cursor {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	c := &Cursor{
		namespace: namespace,
		coll:      coll,
		cursorID:  reply.CursorID,
		pending:   reply.Documents,
		chunkSize: chunkSize,
		exhausted: reply.CursorID == 0,
	}
	c.arm()
	return c
}

// newCursorFromCommand builds a Cursor from a command reply's "cursor"
// sub-document ({id, firstBatch, ns}).
func newCursorFromCommand(coll *Collection, cursorDoc bson.Raw, chunkSize int32) (*Cursor, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	idVal, err := cursorDoc.LookupErr("id")
	if err != nil {
		return nil, CursorInitializationError{Reason: "missing cursor.id"}
	}
	id, ok := idVal.Int64OK()
	if !ok {
		if i32, ok32 := idVal.Int32OK(); ok32 {
			id = int64(i32)
		} else {
			return nil, CursorInitializationError{Reason: "cursor.id is not an integer"}
		}
	}

	batchVal, err := cursorDoc.LookupErr("firstBatch")
	if err != nil {
		return nil, CursorInitializationError{Reason: "missing cursor.firstBatch"}
	}
	batchArr, ok := batchVal.ArrayOK()
	if !ok {
		return nil, CursorInitializationError{Reason: "cursor.firstBatch is not an array"}
	}
	vals, err := batchArr.Values()
	if err != nil {
		return nil, CursorInitializationError{Reason: "malformed cursor.firstBatch"}
	}
	docs := make([]bson.Raw, 0, len(vals))
	for _, v := range vals {
		d, ok := v.DocumentOK()
		if !ok {
			return nil, CursorInitializationError{Reason: "firstBatch element is not a document"}
		}
		docs = append(docs, bson.Raw(d))
	}

	namespace := coll.fullName()
	if nsVal, err := cursorDoc.LookupErr("ns"); err == nil {
		if s, ok := nsVal.StringValueOK(); ok {
			namespace = s
		}
	}

	c := &Cursor{
		namespace: namespace,
		coll:      coll,
		cursorID:  id,
		pending:   docs,
		chunkSize: chunkSize,
		exhausted: id == 0,
	}
	c.arm()
	return c, nil
}

// arm installs a finalizer so an abandoned cursor still issues its
// best-effort KillCursors teardown.
func (c *Cursor) arm() {
	if c.cursorID != 0 {
		runtime.SetFinalizer(c, func(c *Cursor) { c.Close(context.Background()) })
	}
}

// Next decodes the next document into out and reports whether one was
// available. It transparently fetches the next batch via GetMore when
// the pending batch runs dry and the cursor is not yet exhausted.
func (c *Cursor) Next(ctx context.Context, out interface{}) (bool, error) {
	if len(c.pending) == 0 {
		if c.cursorID == 0 {
			c.exhausted = true
			return false, nil
		}
		if err := c.fetchMore(ctx); err != nil {
			return false, err
		}
		if len(c.pending) == 0 {
			c.exhausted = true
			return false, nil
		}
	}

	doc := c.pending[0]
	c.pending = c.pending[1:]
	if err := bson.Unmarshal(doc, out); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cursor) fetchMore(ctx context.Context) error {
	reply, err := c.coll.db.server.sendAndAwait(ctx, wire.GetMore{
		FullCollection: c.namespace,
		NumberToReturn: c.chunkSize,
		CursorID:       c.cursorID,
	}, defaultTimeout)
	if err != nil {
		return err
	}
	c.cursorID = reply.CursorID
	c.pending = reply.Documents
	return nil
}

// Exhausted reports whether the cursor has no more documents to offer,
// neither pending locally nor fetchable from the server.
func (c *Cursor) Exhausted() bool {
	return (c.exhausted || c.cursorID == 0) && len(c.pending) == 0
}

// Close tears down server-side cursor state if any remains, via a
// one-way, best-effort KillCursors. Errors are logged and swallowed, per
// the driver's teardown policy. Safe to call more than once.
func (c *Cursor) Close(ctx context.Context) {
	if c.closed {
		return
	}
	c.closed = true
	runtime.SetFinalizer(c, nil)

	if c.cursorID == 0 {
		return
	}
	id := c.cursorID
	c.cursorID = 0
	if err := c.coll.db.server.sendOneWay(ctx, wire.KillCursors{CursorIDs: []int64{id}}); err != nil {
		c.coll.db.server.log.V(1).Info("killCursors teardown failed, ignoring", "err", err.Error())
	}
}
