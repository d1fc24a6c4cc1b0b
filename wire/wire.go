// Copyright (C) MongoKit, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package wire implements the framed binary wire protocol spoken by the
// database: a 16-byte header followed by an opcode-specific body. All
// integers are little-endian. See Message for the tagged variant over the
// supported opcodes.
package wire

import (
	"encoding/binary"

	"go.mongodb.org/mongo-driver/bson"
)

// OpCode identifies the shape of a wire message body.
type OpCode int32

// The opcodes this driver speaks.
const (
	OpReply       OpCode = 1
	OpUpdate      OpCode = 2001
	OpInsert      OpCode = 2002
	OpQuery       OpCode = 2004
	OpGetMore     OpCode = 2005
	OpDelete      OpCode = 2006
	OpKillCursors OpCode = 2007
)

func (op OpCode) String() string {
	switch op {
	case OpReply:
		return "OP_REPLY"
	case OpUpdate:
		return "OP_UPDATE"
	case OpInsert:
		return "OP_INSERT"
	case OpQuery:
		return "OP_QUERY"
	case OpGetMore:
		return "OP_GET_MORE"
	case OpDelete:
		return "OP_DELETE"
	case OpKillCursors:
		return "OP_KILL_CURSORS"
	default:
		return "OP_UNKNOWN"
	}
}

// Update flag bits.
const (
	UpdateUpsert      int32 = 1 << 0
	UpdateMultiUpdate int32 = 1 << 1
)

// Delete flag bits.
const (
	DeleteRemoveOne int32 = 1 << 0
)

// Query flag bits.
const (
	QueryTailableCursor  int32 = 1 << 1
	QuerySlaveOK         int32 = 1 << 2
	QueryNoCursorTimeout int32 = 1 << 4
	QueryAwaitData       int32 = 1 << 5
	QueryExhaust         int32 = 1 << 6
	QueryPartial         int32 = 1 << 7
)

// Reply response-flag bits.
const (
	ReplyCursorNotFound   int32 = 1 << 0
	ReplyQueryFailure     int32 = 1 << 1
	ReplyShardConfigStale int32 = 1 << 2
	ReplyAwaitCapable     int32 = 1 << 3
)

const headerLen = 16

// Header is the 16-byte preamble shared by every wire message.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

func (h Header) append(buf []byte) []byte {
	buf = appendInt32(buf, h.MessageLength)
	buf = appendInt32(buf, h.RequestID)
	buf = appendInt32(buf, h.ResponseTo)
	buf = appendInt32(buf, int32(h.OpCode))
	return buf
}

// ReadHeader decodes a Header from the front of b. b must contain at least
// 16 bytes.
func ReadHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, ParseError{Reason: "insufficient bytes for header"}
	}
	return Header{
		MessageLength: readInt32(b[0:4]),
		RequestID:     readInt32(b[4:8]),
		ResponseTo:    readInt32(b[8:12]),
		OpCode:        OpCode(readInt32(b[12:16])),
	}, nil
}

func appendInt32(buf []byte, v int32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func readInt32(b []byte) int32 {
	return int32(binary.LittleEndian.Uint32(b))
}

func readInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func readCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, ParseError{Reason: "unterminated cstring"}
}

func appendDocument(buf []byte, doc bson.Raw) ([]byte, error) {
	if doc == nil {
		doc = bson.Raw{0x05, 0x00, 0x00, 0x00, 0x00}
	}
	if err := doc.Validate(); err != nil {
		return nil, ParseError{Reason: "malformed document", Wrapped: err}
	}
	return append(buf, doc...), nil
}

func readDocument(b []byte) (bson.Raw, []byte, error) {
	if len(b) < 4 {
		return nil, nil, ParseError{Reason: "insufficient bytes for document length"}
	}
	l := readInt32(b[0:4])
	if l < 5 || int(l) > len(b) {
		return nil, nil, ParseError{Reason: "invalid document length"}
	}
	raw := bson.Raw(b[0:l])
	if err := raw.Validate(); err != nil {
		return nil, nil, ParseError{Reason: "malformed document", Wrapped: err}
	}
	return raw, b[l:], nil
}
