// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package replication:
package replication

import (
	"bufio"
	"bytes"
)

// newBufReadWriter adapts a byte slice to the *bufio.ReadWriter shape the
// protocol package's Read/Write free functions expect.
func newBufReadWriter(b []byte) *bufio.ReadWriter {
	return bufio.NewReadWriter(bufio.NewReader(bytes.NewReader(b)), bufio.NewWriter(bytes.NewBuffer(nil)))
}
