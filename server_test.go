package mongowire_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kschlieper/mongowire"
	"github.com/kschlieper/mongowire/wire"
)

// newMockPeer starts a throwaway TCP listener and runs handle against
// the first accepted connection, scripting the peer's wire-level
// responses by hand. Uses a real loopback socket rather than net.Pipe
// since conn.Dial only speaks TCP.
func newMockPeer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		handle(c)
	}()
	return ln.Addr().String()
}

func readFrame(t *testing.T, c net.Conn) []byte {
	t.Helper()
	var sizeBuf [4]byte
	_, err := io.ReadFull(c, sizeBuf[:])
	require.NoError(t, err)
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	buf := make([]byte, size)
	copy(buf, sizeBuf[:])
	_, err = io.ReadFull(c, buf[4:])
	require.NoError(t, err)
	return buf
}

func writeReply(t *testing.T, c net.Conn, responseTo int32, docs ...bson.D) {
	t.Helper()
	raws := make([]bson.Raw, len(docs))
	for i, d := range docs {
		b, err := bson.Marshal(d)
		require.NoError(t, err)
		raws[i] = bson.Raw(b)
	}
	r := wire.Reply{
		Header:         wire.Header{ResponseTo: responseTo},
		NumberReturned: int32(len(raws)),
		Documents:      raws,
	}
	_, err := c.Write(r.Encode(nil, 0))
	require.NoError(t, err)
}

func answerHandshake(t *testing.T, c net.Conn, maxWireVersion int32) {
	t.Helper()
	req := readFrame(t, c)
	hdr, err := wire.ReadHeader(req)
	require.NoError(t, err)
	writeReply(t, c, hdr.RequestID, bson.D{
		{Key: "ok", Value: float64(1)},
		{Key: "maxWireVersion", Value: maxWireVersion},
	})
}

func connectTo(t *testing.T, addr string) *mongowire.Server {
	t.Helper()
	s := mongowire.NewServer(addr)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Disconnect() })
	return s
}

func TestEndToEndInsertOne(t *testing.T) {
	addr := newMockPeer(t, func(c net.Conn) {
		answerHandshake(t, c, 3)

		req := readFrame(t, c)
		hdr, err := wire.ReadHeader(req)
		require.NoError(t, err)
		msg, err := wire.DecodeMessage(req)
		require.NoError(t, err)
		q, ok := msg.(wire.Query)
		require.True(t, ok)
		require.Equal(t, "db.$cmd", q.FullCollection)

		nameVal, err := q.Query.LookupErr("insert")
		require.NoError(t, err)
		name, ok := nameVal.StringValueOK()
		require.True(t, ok)
		require.Equal(t, "users", name)

		docsVal, err := q.Query.LookupErr("documents")
		require.NoError(t, err)
		arr, ok := docsVal.ArrayOK()
		require.True(t, ok)
		vals, err := arr.Values()
		require.NoError(t, err)
		require.Len(t, vals, 1)
		doc, ok := vals[0].DocumentOK()
		require.True(t, ok)
		nameField, err := bson.Raw(doc).LookupErr("name")
		require.NoError(t, err)
		s, ok := nameField.StringValueOK()
		require.True(t, ok)
		require.Equal(t, "a", s)

		writeReply(t, c, hdr.RequestID, bson.D{{Key: "ok", Value: float64(1)}})
	})

	s := connectTo(t, addr)
	coll := s.Database("db").Collection("users")
	doc, err := bson.Marshal(bson.D{{Key: "name", Value: "a"}})
	require.NoError(t, err)

	ids, err := coll.Insert(context.Background(), []bson.Raw{doc}, mongowire.InsertOptions{})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	oid, ok := ids[0].ObjectIDOK()
	require.True(t, ok)
	require.False(t, oid.IsZero())
}

func TestEndToEndInsertBatches(t *testing.T) {
	var batchSizes []int
	addr := newMockPeer(t, func(c net.Conn) {
		answerHandshake(t, c, 3)
		for i := 0; i < 3; i++ {
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
			batchSizes = append(batchSizes, len(vals))
			writeReply(t, c, hdr.RequestID, bson.D{{Key: "ok", Value: float64(1)}})
		}
	})

	s := connectTo(t, addr)
	coll := s.Database("db").Collection("users")
	docs := make([]bson.Raw, 2500)
	for i := range docs {
		b, err := bson.Marshal(bson.D{{Key: "i", Value: i}})
		require.NoError(t, err)
		docs[i] = b
	}

	_, err := coll.Insert(context.Background(), docs, mongowire.InsertOptions{})
	require.NoError(t, err)
	require.Equal(t, []int{1000, 1000, 500}, batchSizes)
}

func TestEndToEndFindFallback(t *testing.T) {
	addr := newMockPeer(t, func(c net.Conn) {
		answerHandshake(t, c, 2)

		req := readFrame(t, c)
		hdr, err := wire.ReadHeader(req)
		require.NoError(t, err)
		require.Equal(t, wire.OpQuery, hdr.OpCode)
		msg, err := wire.DecodeMessage(req)
		require.NoError(t, err)
		q := msg.(wire.Query)
		require.Equal(t, "db.users", q.FullCollection)
		require.Equal(t, int32(5), q.NumberToReturn)

		docs := make([]bson.D, 3)
		for i := range docs {
			docs[i] = bson.D{{Key: "x", Value: int32(1)}}
		}
		writeReply(t, c, hdr.RequestID, docs...)
	})

	s := connectTo(t, addr)
	coll := s.Database("db").Collection("users")
	filter, err := bson.Marshal(bson.D{{Key: "x", Value: int32(1)}})
	require.NoError(t, err)

	cur, err := coll.Find(context.Background(), mongowire.FindOptions{Filter: filter, Limit: 5})
	require.NoError(t, err)

	count := 0
	for {
		var out bson.D
		ok, err := cur.Next(context.Background(), &out)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 3, count)
	require.True(t, cur.Exhausted())
}

func TestEndToEndFindModern(t *testing.T) {
	addr := newMockPeer(t, func(c net.Conn) {
		answerHandshake(t, c, 4)

		req := readFrame(t, c)
		hdr, err := wire.ReadHeader(req)
		require.NoError(t, err)
		msg, err := wire.DecodeMessage(req)
		require.NoError(t, err)
		q := msg.(wire.Query)
		require.Equal(t, "db.$cmd", q.FullCollection)
		nameVal, err := q.Query.LookupErr("find")
		require.NoError(t, err)
		name, ok := nameVal.StringValueOK()
		require.True(t, ok)
		require.Equal(t, "users", name)

		d1, err := bson.Marshal(bson.D{{Key: "n", Value: 1}})
		require.NoError(t, err)
		d2, err := bson.Marshal(bson.D{{Key: "n", Value: 2}})
		require.NoError(t, err)
		writeReply(t, c, hdr.RequestID, bson.D{
			{Key: "ok", Value: float64(1)},
			{Key: "cursor", Value: bson.D{
				{Key: "id", Value: int64(42)},
				{Key: "ns", Value: "db.users"},
				{Key: "firstBatch", Value: bson.A{bson.Raw(d1), bson.Raw(d2)}},
			}},
		})

		req2 := readFrame(t, c)
		hdr2, err := wire.ReadHeader(req2)
		require.NoError(t, err)
		msg2, err := wire.DecodeMessage(req2)
		require.NoError(t, err)
		gm, ok := msg2.(wire.GetMore)
		require.True(t, ok)
		require.Equal(t, int64(42), gm.CursorID)
		require.Equal(t, int32(10), gm.NumberToReturn)

		writeReply(t, c, hdr2.RequestID, bson.D{{Key: "n", Value: 3}})
	})

	s := connectTo(t, addr)
	coll := s.Database("db").Collection("users")
	filter, err := bson.Marshal(bson.D{{Key: "x", Value: int32(1)}})
	require.NoError(t, err)

	cur, err := coll.Find(context.Background(), mongowire.FindOptions{Filter: filter, Limit: 5})
	require.NoError(t, err)

	count := 0
	for {
		var out bson.D
		ok, err := cur.Next(context.Background(), &out)
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 3, count)
}

func TestEndToEndRemoveLegacyBounded(t *testing.T) {
	seen := make(chan int32, 3)
	addr := newMockPeer(t, func(c net.Conn) {
		answerHandshake(t, c, 1)
		for i := 0; i < 3; i++ {
			req := readFrame(t, c)
			hdr, err := wire.ReadHeader(req)
			require.NoError(t, err)
			require.Equal(t, wire.OpDelete, hdr.OpCode)
			msg, err := wire.DecodeMessage(req)
			require.NoError(t, err)
			d := msg.(wire.Delete)
			seen <- d.Flags
		}
	})

	s := connectTo(t, addr)
	coll := s.Database("db").Collection("users")
	filter, err := bson.Marshal(bson.D{{Key: "x", Value: int32(1)}})
	require.NoError(t, err)

	err = coll.Remove(context.Background(), []mongowire.RemoveSpec{{Filter: filter, Limit: 3}}, mongowire.RemoveOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		select {
		case flags := <-seen:
			require.Equal(t, wire.DeleteRemoveOne, flags)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for mock peer to observe a delete")
		}
	}
}

func TestEndToEndTimeout(t *testing.T) {
	addr := newMockPeer(t, func(c net.Conn) {
		answerHandshake(t, c, 3)
		_ = readFrame(t, c)
	})

	s := connectTo(t, addr)
	coll := s.Database("db").Collection("users")
	filter, err := bson.Marshal(bson.D{{Key: "x", Value: int32(1)}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	var out bson.D
	_, err = coll.QueryOne(ctx, filter, &out)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, mongowire.ErrTimeout)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 75*time.Millisecond)
}
