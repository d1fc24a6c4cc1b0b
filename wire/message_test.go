package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kschlieper/mongowire/wire"
)

func mustRaw(t *testing.T, v interface{}) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(v)
	require.NoError(t, err)
	return bson.Raw(b)
}

func TestRoundTripInsert(t *testing.T) {
	doc := mustRaw(t, bson.D{{Key: "name", Value: "a"}})
	m := wire.Insert{
		Flags:          0,
		FullCollection: "db.users",
		Documents:      []bson.Raw{doc, doc},
	}
	buf := m.Encode(nil, 7)

	decoded, err := wire.DecodeMessage(buf)
	require.NoError(t, err)
	ins, ok := decoded.(wire.Insert)
	require.True(t, ok)
	require.Equal(t, "db.users", ins.FullCollection)
	require.Len(t, ins.Documents, 2)
}

func TestRoundTripQuery(t *testing.T) {
	query := mustRaw(t, bson.D{{Key: "x", Value: int32(1)}})
	m := wire.Query{
		Flags:          0,
		FullCollection: "db.users",
		NumberToSkip:   0,
		NumberToReturn: 5,
		Query:          query,
	}
	buf := m.Encode(nil, 11)

	decoded, err := wire.DecodeMessage(buf)
	require.NoError(t, err)
	q, ok := decoded.(wire.Query)
	require.True(t, ok)
	require.Equal(t, int32(5), q.NumberToReturn)
	require.Equal(t, "db.users", q.FullCollection)
}

func TestRoundTripUpdate(t *testing.T) {
	sel := mustRaw(t, bson.D{{Key: "_id", Value: int32(1)}})
	upd := mustRaw(t, bson.D{{Key: "$set", Value: bson.D{{Key: "a", Value: int32(2)}}}})
	m := wire.Update{
		FullCollection: "db.users",
		Flags:          wire.UpdateUpsert | wire.UpdateMultiUpdate,
		Selector:       sel,
		UpdateDoc:      upd,
	}
	buf := m.Encode(nil, 3)
	decoded, err := wire.DecodeMessage(buf)
	require.NoError(t, err)
	u, ok := decoded.(wire.Update)
	require.True(t, ok)
	require.Equal(t, wire.UpdateUpsert|wire.UpdateMultiUpdate, u.Flags)
}

func TestRoundTripDelete(t *testing.T) {
	sel := mustRaw(t, bson.D{{Key: "x", Value: int32(1)}})
	m := wire.Delete{FullCollection: "db.users", Flags: wire.DeleteRemoveOne, Selector: sel}
	buf := m.Encode(nil, 3)
	decoded, err := wire.DecodeMessage(buf)
	require.NoError(t, err)
	d, ok := decoded.(wire.Delete)
	require.True(t, ok)
	require.Equal(t, wire.DeleteRemoveOne, d.Flags)
}

func TestRoundTripGetMore(t *testing.T) {
	m := wire.GetMore{FullCollection: "db.users", NumberToReturn: 10, CursorID: 42}
	buf := m.Encode(nil, 5)
	decoded, err := wire.DecodeMessage(buf)
	require.NoError(t, err)
	g, ok := decoded.(wire.GetMore)
	require.True(t, ok)
	require.Equal(t, int64(42), g.CursorID)
	require.Equal(t, int32(10), g.NumberToReturn)
}

func TestRoundTripKillCursors(t *testing.T) {
	m := wire.KillCursors{CursorIDs: []int64{1, 2, 3}}
	buf := m.Encode(nil, 9)
	decoded, err := wire.DecodeMessage(buf)
	require.NoError(t, err)
	k, ok := decoded.(wire.KillCursors)
	require.True(t, ok)
	require.Equal(t, []int64{1, 2, 3}, k.CursorIDs)
}

func TestDecodeReply(t *testing.T) {
	doc := mustRaw(t, bson.D{{Key: "ok", Value: int32(1)}})
	r := wire.Reply{
		Header:         wire.Header{ResponseTo: 7},
		CursorID:       0,
		NumberReturned: 1,
		Documents:      []bson.Raw{doc},
	}
	buf := r.Encode(nil, 99)

	decoded, err := wire.DecodeReply(buf)
	require.NoError(t, err)
	require.Equal(t, int32(7), decoded.Header.ResponseTo)
	require.Len(t, decoded.Documents, 1)
	require.True(t, decoded.Exhausted())
}

func TestDecodeReplyErrorsOnShortHeader(t *testing.T) {
	_, err := wire.DecodeReply([]byte{1, 2, 3})
	require.Error(t, err)
	var pe wire.ParseError
	require.ErrorAs(t, err, &pe)
}

func TestDecodeReplyErrorsOnNumberReturnedMismatch(t *testing.T) {
	doc := mustRaw(t, bson.D{{Key: "ok", Value: int32(1)}})
	r := wire.Reply{
		NumberReturned: 2, // lie about the count
		Documents:      []bson.Raw{doc},
	}
	buf := r.Encode(nil, 1)
	_, err := wire.DecodeReply(buf)
	require.Error(t, err)
}
