package mongowire_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kschlieper/mongowire"
	"github.com/kschlieper/mongowire/wire"
)

func TestInsertPreservesExistingID(t *testing.T) {
	var sentID bson.RawValue
	addr := newMockPeer(t, func(c net.Conn) {
		answerHandshake(t, c, 3)

		req := readFrame(t, c)
		hdr, err := wire.ReadHeader(req)
		require.NoError(t, err)
		msg, err := wire.DecodeMessage(req)
		require.NoError(t, err)
		q := msg.(wire.Query)
		docsVal, err := q.Query.LookupErr("documents")
		require.NoError(t, err)
		arr, ok := docsVal.ArrayOK()
		require.True(t, ok)
		vals, err := arr.Values()
		require.NoError(t, err)
		doc, ok := vals[0].DocumentOK()
		require.True(t, ok)
		sentID, err = bson.Raw(doc).LookupErr("_id")
		require.NoError(t, err)

		writeReply(t, c, hdr.RequestID, bson.D{{Key: "ok", Value: float64(1)}})
	})

	s := connectTo(t, addr)
	coll := s.Database("db").Collection("users")
	doc, err := bson.Marshal(bson.D{{Key: "_id", Value: "caller-chosen"}, {Key: "name", Value: "a"}})
	require.NoError(t, err)

	ids, err := coll.Insert(context.Background(), []bson.Raw{doc}, mongowire.InsertOptions{})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	val, ok := ids[0].StringValueOK()
	require.True(t, ok)
	require.Equal(t, "caller-chosen", val)

	sentVal, ok := sentID.StringValueOK()
	require.True(t, ok)
	require.Equal(t, "caller-chosen", sentVal)
}

func TestCountSurfacesCommandError(t *testing.T) {
	addr := newMockPeer(t, func(c net.Conn) {
		answerHandshake(t, c, 3)

		req := readFrame(t, c)
		hdr, err := wire.ReadHeader(req)
		require.NoError(t, err)
		writeReply(t, c, hdr.RequestID, bson.D{
			{Key: "ok", Value: float64(0)},
			{Key: "errmsg", Value: "bad filter"},
			{Key: "code", Value: int32(2)},
			{Key: "codeName", Value: "BadValue"},
		})
	})

	s := connectTo(t, addr)
	coll := s.Database("db").Collection("users")

	_, err := coll.Count(context.Background(), nil, 0, 0)
	require.Error(t, err)

	var ce mongowire.CommandError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "bad filter", ce.Message)
	require.Equal(t, int32(2), ce.Code)
	require.Equal(t, "BadValue", ce.CodeName)
}

func TestCursorIssuesKillCursorsOnAbandon(t *testing.T) {
	killSeen := make(chan []int64, 1)
	addr := newMockPeer(t, func(c net.Conn) {
		answerHandshake(t, c, 2)

		req := readFrame(t, c)
		hdr, err := wire.ReadHeader(req)
		require.NoError(t, err)
		doc, err := bson.Marshal(bson.D{{Key: "x", Value: int32(1)}})
		require.NoError(t, err)
		r := wire.Reply{
			Header:         wire.Header{ResponseTo: hdr.RequestID},
			CursorID:       7,
			NumberReturned: 1,
			Documents:      []bson.Raw{doc},
		}
		_, err = c.Write(r.Encode(nil, 0))
		require.NoError(t, err)

		req2 := readFrame(t, c)
		hdr2, err := wire.ReadHeader(req2)
		require.NoError(t, err)
		require.Equal(t, wire.OpKillCursors, hdr2.OpCode)
		msg, err := wire.DecodeMessage(req2)
		require.NoError(t, err)
		kc := msg.(wire.KillCursors)
		killSeen <- kc.CursorIDs
	})

	s := connectTo(t, addr)
	coll := s.Database("db").Collection("users")
	filter, err := bson.Marshal(bson.D{{Key: "x", Value: int32(1)}})
	require.NoError(t, err)

	cur, err := coll.Query(context.Background(), filter, 0, 10)
	require.NoError(t, err)
	cur.Close(context.Background())

	select {
	case ids := <-killSeen:
		require.Equal(t, []int64{7}, ids)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for killCursors")
	}
}
