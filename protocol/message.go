// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"fmt"
	"math/big"

	"github.com/awinterman/anarchoredis/protocol/kind"
)

type Indicator = kind.Kind

const (
	End = "\r\n"

	String         = kind.SimpleString
	Error          = kind.Error
	Int            = kind.Int
	BulkString     = kind.BulkString
	Array          = kind.Array
	Null           = kind.Null
	Bool           = kind.Bool
	Double         = kind.Double
	BigNumber      = kind.BigNumber
	BulkError      = kind.BulkError
	VerbatimString = kind.VerbatimString
	Map            = kind.Map
	Attribute      = kind.Attribute
	Sets           = kind.Set
	Push           = kind.Push
)

// Verbatim carries the three-byte encoding tag and payload of a VerbatimString reply.
type Verbatim struct {
	Encoding string
	Data     string
}

// Message is a composite type that represents a message in the protocol.
// The Indicator says which fields should be respected. Aggregate kinds
// (Array, Set, Push, Map) recurse into further Messages; everything else
// is a leaf carried directly on the struct.
type Message struct {
	Indicator Indicator

	Str            string
	Int            int
	Bool           bool
	Double         float64
	BigNumber      *big.Int
	VerbatimString Verbatim

	Array []*Message
	Map   [][2]*Message

	Error error

	// OriginalSize is the number of wire bytes consumed decoding this
	// message, indicator and terminators included. Replication offsets
	// are advanced by this value, not by len(Str).
	OriginalSize int64
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	switch m.Indicator {
	case Error:
		return m.Error.Error()
	case Int:
		return fmt.Sprintf("%d", m.Int)
	case Array, Sets, Push:
		return fmt.Sprintf("%c%d elements", m.Indicator, len(m.Array))
	default:
		return m.Str
	}
}
