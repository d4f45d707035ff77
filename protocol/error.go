// Copyright 2024 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

// NewError creates a new Message with the Indicator set to Error, the provided error assigned to the Error field
// and its text to Str, which is what the writer puts on the wire.
func NewError(err error) *Message {
	return &Message{
		Indicator: Error,
		Str:       err.Error(),
		Error:     err,
	}
}
