package wire

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Message is the tagged variant over every wire opcode this driver speaks.
// Each concrete type below implements it.
type Message interface {
	// Encode appends the fully framed wire bytes (header included) for this
	// message to buf, assigning requestID into the header, and returns the
	// extended slice.
	Encode(buf []byte, requestID int32) []byte

	// OpCode reports the opcode this message encodes as.
	OpCode() OpCode
}

// Insert is OP_INSERT (2002): a one-way bulk insert with no reply.
type Insert struct {
	Flags          int32
	FullCollection string
	Documents      []bson.Raw
}

func (m Insert) OpCode() OpCode { return OpInsert }

func (m Insert) Encode(buf []byte, requestID int32) []byte {
	start := len(buf)
	buf = Header{RequestID: requestID, OpCode: OpInsert}.append(buf)
	buf = appendInt32(buf, m.Flags)
	buf = appendCString(buf, m.FullCollection)
	for _, d := range m.Documents {
		buf, _ = appendDocument(buf, d)
	}
	patchLength(buf, start)
	return buf
}

// Update is OP_UPDATE (2001): a one-way update with no reply.
type Update struct {
	FullCollection string
	Flags          int32
	Selector       bson.Raw
	UpdateDoc      bson.Raw
}

func (m Update) OpCode() OpCode { return OpUpdate }

func (m Update) Encode(buf []byte, requestID int32) []byte {
	start := len(buf)
	buf = Header{RequestID: requestID, OpCode: OpUpdate}.append(buf)
	buf = appendInt32(buf, 0)
	buf = appendCString(buf, m.FullCollection)
	buf = appendInt32(buf, m.Flags)
	buf, _ = appendDocument(buf, m.Selector)
	buf, _ = appendDocument(buf, m.UpdateDoc)
	patchLength(buf, start)
	return buf
}

// Delete is OP_DELETE (2006): a one-way delete with no reply.
type Delete struct {
	FullCollection string
	Flags          int32
	Selector       bson.Raw
}

func (m Delete) OpCode() OpCode { return OpDelete }

func (m Delete) Encode(buf []byte, requestID int32) []byte {
	start := len(buf)
	buf = Header{RequestID: requestID, OpCode: OpDelete}.append(buf)
	buf = appendInt32(buf, 0)
	buf = appendCString(buf, m.FullCollection)
	buf = appendInt32(buf, m.Flags)
	buf, _ = appendDocument(buf, m.Selector)
	patchLength(buf, start)
	return buf
}

// Query is OP_QUERY (2004): used both for legacy find/findOne and for
// command dispatch (targeting "<db>.$cmd").
type Query struct {
	Flags          int32
	FullCollection string
	NumberToSkip   int32
	NumberToReturn int32
	Query          bson.Raw
	ReturnFields   bson.Raw // optional, may be nil
}

func (m Query) OpCode() OpCode { return OpQuery }

func (m Query) Encode(buf []byte, requestID int32) []byte {
	start := len(buf)
	buf = Header{RequestID: requestID, OpCode: OpQuery}.append(buf)
	buf = appendInt32(buf, m.Flags)
	buf = appendCString(buf, m.FullCollection)
	buf = appendInt32(buf, m.NumberToSkip)
	buf = appendInt32(buf, m.NumberToReturn)
	buf, _ = appendDocument(buf, m.Query)
	if m.ReturnFields != nil {
		buf, _ = appendDocument(buf, m.ReturnFields)
	}
	patchLength(buf, start)
	return buf
}

// GetMore is OP_GET_MORE (2005): fetches the next batch of a cursor.
type GetMore struct {
	FullCollection string
	NumberToReturn int32
	CursorID       int64
}

func (m GetMore) OpCode() OpCode { return OpGetMore }

func (m GetMore) Encode(buf []byte, requestID int32) []byte {
	start := len(buf)
	buf = Header{RequestID: requestID, OpCode: OpGetMore}.append(buf)
	buf = appendInt32(buf, 0)
	buf = appendCString(buf, m.FullCollection)
	buf = appendInt32(buf, m.NumberToReturn)
	buf = appendInt64(buf, m.CursorID)
	patchLength(buf, start)
	return buf
}

// KillCursors is OP_KILL_CURSORS (2007): a one-way request to release
// server-side cursor state.
type KillCursors struct {
	CursorIDs []int64
}

func (m KillCursors) OpCode() OpCode { return OpKillCursors }

func (m KillCursors) Encode(buf []byte, requestID int32) []byte {
	start := len(buf)
	buf = Header{RequestID: requestID, OpCode: OpKillCursors}.append(buf)
	buf = appendInt32(buf, 0)
	buf = appendInt32(buf, int32(len(m.CursorIDs)))
	for _, id := range m.CursorIDs {
		buf = appendInt64(buf, id)
	}
	patchLength(buf, start)
	return buf
}

// Reply is the decoded form of OP_REPLY (1), the only opcode this driver
// receives from the peer.
type Reply struct {
	Header         Header
	ResponseFlags  int32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      []bson.Raw
}

func (m Reply) OpCode() OpCode { return OpReply }

func (m Reply) Encode(buf []byte, requestID int32) []byte {
	start := len(buf)
	buf = Header{RequestID: requestID, ResponseTo: m.Header.ResponseTo, OpCode: OpReply}.append(buf)
	buf = appendInt32(buf, m.ResponseFlags)
	buf = appendInt64(buf, m.CursorID)
	buf = appendInt32(buf, m.StartingFrom)
	buf = appendInt32(buf, m.NumberReturned)
	for _, d := range m.Documents {
		buf, _ = appendDocument(buf, d)
	}
	patchLength(buf, start)
	return buf
}

// Exhausted reports whether this reply leaves no more data to fetch.
func (m Reply) Exhausted() bool { return m.CursorID == 0 }

// Failed reports whether the QueryFailure bit is set.
func (m Reply) Failed() bool { return m.ResponseFlags&ReplyQueryFailure != 0 }

// patchLength backfills the MessageLength field of the header that starts
// at buf[start:] now that the full frame has been appended.
func patchLength(buf []byte, start int) {
	l := int32(len(buf) - start)
	var tmp [4]byte
	b := appendInt32(tmp[:0], l)
	copy(buf[start:start+4], b)
}

// DecodeReply decodes a full OP_REPLY frame (header included) from b.
func DecodeReply(b []byte) (Reply, error) {
	hdr, err := ReadHeader(b)
	if err != nil {
		return Reply{}, err
	}
	if hdr.MessageLength < 0 {
		return Reply{}, ParseError{Reason: "negative message length"}
	}
	if int(hdr.MessageLength) > len(b) {
		return Reply{}, ParseError{Reason: "insufficient bytes for frame body"}
	}
	if hdr.OpCode != OpReply {
		return Reply{}, ParseError{Reason: "expected OP_REPLY opcode"}
	}
	body := b[headerLen:hdr.MessageLength]
	if len(body) < 20 {
		return Reply{}, ParseError{Reason: "insufficient bytes for reply body"}
	}
	r := Reply{Header: hdr}
	r.ResponseFlags = readInt32(body[0:4])
	r.CursorID = readInt64(body[4:12])
	r.StartingFrom = readInt32(body[12:16])
	r.NumberReturned = readInt32(body[16:20])

	rest := body[20:]
	docs := make([]bson.Raw, 0, max0(r.NumberReturned))
	for len(rest) > 0 {
		var doc bson.Raw
		var err error
		doc, rest, err = readDocument(rest)
		if err != nil {
			return Reply{}, err
		}
		docs = append(docs, doc)
	}
	if int32(len(docs)) != r.NumberReturned {
		return Reply{}, ParseError{Reason: "numberReturned disagrees with document count"}
	}
	r.Documents = docs
	return r, nil
}

func max0(n int32) int32 {
	if n < 0 {
		return 0
	}
	return n
}

// DecodeMessage decodes a full frame of any outbound opcode (used by tests
// that assert round-trip encode/decode symmetry against a scripted peer).
func DecodeMessage(b []byte) (Message, error) {
	hdr, err := ReadHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.MessageLength < 0 {
		return nil, ParseError{Reason: "negative message length"}
	}
	if int(hdr.MessageLength) > len(b) {
		return nil, ParseError{Reason: "insufficient bytes for frame body"}
	}
	body := b[headerLen:hdr.MessageLength]

	switch hdr.OpCode {
	case OpReply:
		return DecodeReply(b)
	case OpInsert:
		return decodeInsertBody(hdr, body)
	case OpUpdate:
		return decodeUpdateBody(hdr, body)
	case OpDelete:
		return decodeDeleteBody(hdr, body)
	case OpQuery:
		return decodeQueryBody(hdr, body)
	case OpGetMore:
		return decodeGetMoreBody(hdr, body)
	case OpKillCursors:
		return decodeKillCursorsBody(hdr, body)
	default:
		return nil, ParseError{Reason: "unknown opcode"}
	}
}

func decodeInsertBody(_ Header, body []byte) (Message, error) {
	if len(body) < 4 {
		return nil, ParseError{Reason: "insufficient bytes for insert flags"}
	}
	flags := readInt32(body[0:4])
	name, rest, err := readCString(body[4:])
	if err != nil {
		return nil, err
	}
	var docs []bson.Raw
	for len(rest) > 0 {
		var doc bson.Raw
		doc, rest, err = readDocument(rest)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return Insert{Flags: flags, FullCollection: name, Documents: docs}, nil
}

func decodeUpdateBody(_ Header, body []byte) (Message, error) {
	if len(body) < 4 {
		return nil, ParseError{Reason: "insufficient bytes for update reserved field"}
	}
	name, rest, err := readCString(body[4:])
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, ParseError{Reason: "insufficient bytes for update flags"}
	}
	flags := readInt32(rest[0:4])
	rest = rest[4:]
	selector, rest, err := readDocument(rest)
	if err != nil {
		return nil, err
	}
	update, _, err := readDocument(rest)
	if err != nil {
		return nil, err
	}
	return Update{FullCollection: name, Flags: flags, Selector: selector, UpdateDoc: update}, nil
}

func decodeDeleteBody(_ Header, body []byte) (Message, error) {
	if len(body) < 4 {
		return nil, ParseError{Reason: "insufficient bytes for delete reserved field"}
	}
	name, rest, err := readCString(body[4:])
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, ParseError{Reason: "insufficient bytes for delete flags"}
	}
	flags := readInt32(rest[0:4])
	rest = rest[4:]
	selector, _, err := readDocument(rest)
	if err != nil {
		return nil, err
	}
	return Delete{FullCollection: name, Flags: flags, Selector: selector}, nil
}

func decodeQueryBody(_ Header, body []byte) (Message, error) {
	if len(body) < 4 {
		return nil, ParseError{Reason: "insufficient bytes for query flags"}
	}
	flags := readInt32(body[0:4])
	name, rest, err := readCString(body[4:])
	if err != nil {
		return nil, err
	}
	if len(rest) < 8 {
		return nil, ParseError{Reason: "insufficient bytes for query skip/return"}
	}
	skip := readInt32(rest[0:4])
	numToReturn := readInt32(rest[4:8])
	rest = rest[8:]
	query, rest, err := readDocument(rest)
	if err != nil {
		return nil, err
	}
	var fields bson.Raw
	if len(rest) > 0 {
		fields, _, err = readDocument(rest)
		if err != nil {
			return nil, err
		}
	}
	return Query{
		Flags:          flags,
		FullCollection: name,
		NumberToSkip:   skip,
		NumberToReturn: numToReturn,
		Query:          query,
		ReturnFields:   fields,
	}, nil
}

func decodeGetMoreBody(_ Header, body []byte) (Message, error) {
	if len(body) < 4 {
		return nil, ParseError{Reason: "insufficient bytes for getMore reserved field"}
	}
	name, rest, err := readCString(body[4:])
	if err != nil {
		return nil, err
	}
	if len(rest) < 12 {
		return nil, ParseError{Reason: "insufficient bytes for getMore tail"}
	}
	numToReturn := readInt32(rest[0:4])
	cursorID := readInt64(rest[4:12])
	return GetMore{FullCollection: name, NumberToReturn: numToReturn, CursorID: cursorID}, nil
}

func decodeKillCursorsBody(_ Header, body []byte) (Message, error) {
	if len(body) < 8 {
		return nil, ParseError{Reason: "insufficient bytes for killCursors header"}
	}
	n := readInt32(body[4:8])
	if n < 0 || 8+int64(n)*8 > int64(len(body)) {
		return nil, ParseError{Reason: "invalid killCursors count"}
	}
	ids := make([]int64, n)
	off := 8
	for i := range ids {
		ids[i] = readInt64(body[off : off+8])
		off += 8
	}
	return KillCursors{CursorIDs: ids}, nil
}
