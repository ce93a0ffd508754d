// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sni extracts the Server Name Indication from the first TLS record
// of a connection without terminating the TLS session.
//
// Parse is a pure function of the bytes received so far: it never retains or
// modifies the buffer, so callers keep appending to the same buffer and call
// it again after every read until the outcome is no longer NeedMoreData.
package sni

import (
	"encoding/binary"
	"fmt"

	sperrors "github.com/absmach/sniplex/pkg/errors"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// RecordHeaderLen is the size of the TLS record header.
	RecordHeaderLen = 5

	// MaxRecordLen is the largest plaintext record body TLS allows.
	MaxRecordLen = 1 << 14

	// MaxHandshakeSize is the size of the largest complete record Parse can
	// ever ask for. It is a sensible ceiling for handshake buffers.
	MaxHandshakeSize = RecordHeaderLen + MaxRecordLen
)

const (
	recordTypeHandshake   = 22
	handshakeClientHello  = 1
	extensionServerName   = 0
	serverNameTypeHost    = 0
	helloRandomAndVersion = 2 + 32
)

// Reasons reported in Malformed outcomes that callers may want to match.
const (
	ReasonUnexpectedType = "unexpected message type"
	ReasonNoServerName   = "no server name"
	ReasonBufferLimit    = "handshake exceeds buffer limit"
)

// Kind tags the variant of an Outcome.
type Kind int

const (
	// NeedMoreData means the buffer holds a valid prefix of a record.
	NeedMoreData Kind = iota
	// Hostname means the server name was extracted.
	Hostname
	// Malformed means the buffer can never become a valid client hello.
	Malformed
)

// String returns a string representation of the kind.
func (k Kind) String() string {
	switch k {
	case NeedMoreData:
		return "need_more_data"
	case Hostname:
		return "hostname"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Outcome is the result of a Parse call.
type Outcome struct {
	Kind     Kind
	Hostname string // Set for Hostname, case preserved
	Reason   string // Set for Malformed
}

// String returns a human readable form of the outcome.
func (o Outcome) String() string {
	switch o.Kind {
	case Hostname:
		return fmt.Sprintf("hostname(%s)", o.Hostname)
	case Malformed:
		return fmt.Sprintf("malformed(%s)", o.Reason)
	default:
		return o.Kind.String()
	}
}

// NoServerName reports whether the client hello was well formed but did not
// carry a server name.
func (o Outcome) NoServerName() bool {
	return o.Kind == Malformed && o.Reason == ReasonNoServerName
}

// Err maps a Malformed outcome onto the error taxonomy. It returns nil for
// the other kinds.
func (o Outcome) Err() error {
	if o.Kind != Malformed {
		return nil
	}
	if o.NoServerName() {
		return sperrors.ErrNoServerName
	}
	return fmt.Errorf("%w: %s", sperrors.ErrMalformedHandshake, o.Reason)
}

var needMoreData = Outcome{Kind: NeedMoreData}

func malformed(reason string) Outcome {
	return Outcome{Kind: Malformed, Reason: reason}
}

// Parse inspects buf, the bytes received so far in arrival order, and reports
// whether it holds a complete client hello record and which server name it
// requests.
func Parse(buf []byte) Outcome {
	if len(buf) < RecordHeaderLen {
		return needMoreData
	}
	if buf[0] != recordTypeHandshake {
		return malformed(ReasonUnexpectedType)
	}
	if buf[1] != 3 {
		return malformed("unsupported record version")
	}
	n := int(binary.BigEndian.Uint16(buf[3:RecordHeaderLen]))
	if n == 0 || n > MaxRecordLen {
		return malformed("invalid record length")
	}
	// Reject other handshake messages as soon as their type byte arrives.
	if len(buf) > RecordHeaderLen && buf[RecordHeaderLen] != handshakeClientHello {
		return malformed(ReasonUnexpectedType)
	}
	if len(buf) < RecordHeaderLen+n {
		return needMoreData
	}

	return parseHandshake(cryptobyte.String(buf[RecordHeaderLen : RecordHeaderLen+n]))
}

// ParseWithLimit behaves like Parse but turns NeedMoreData into Malformed once
// the buffer has reached limit bytes, whatever the record claims.
func ParseWithLimit(buf []byte, limit int) Outcome {
	o := Parse(buf)
	if o.Kind == NeedMoreData && len(buf) >= limit {
		return malformed(ReasonBufferLimit)
	}
	return o
}

func parseHandshake(rec cryptobyte.String) Outcome {
	var msgType uint8
	if !rec.ReadUint8(&msgType) {
		return malformed("truncated handshake header")
	}
	if msgType != handshakeClientHello {
		return malformed(ReasonUnexpectedType)
	}
	// A client hello fragmented over several records is not reassembled.
	var hello cryptobyte.String
	if !rec.ReadUint24LengthPrefixed(&hello) {
		return malformed("handshake length exceeds record")
	}

	if !hello.Skip(helloRandomAndVersion) {
		return malformed("truncated client hello")
	}
	var opaque cryptobyte.String
	if !hello.ReadUint8LengthPrefixed(&opaque) {
		return malformed("invalid session id length")
	}
	if !hello.ReadUint16LengthPrefixed(&opaque) {
		return malformed("invalid cipher suites length")
	}
	if !hello.ReadUint8LengthPrefixed(&opaque) {
		return malformed("invalid compression methods length")
	}
	if hello.Empty() {
		return malformed(ReasonNoServerName)
	}

	var exts cryptobyte.String
	if !hello.ReadUint16LengthPrefixed(&exts) {
		return malformed("invalid extensions length")
	}
	if !hello.Empty() {
		return malformed("trailing data after extensions")
	}

	for !exts.Empty() {
		var typ uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&data) {
			return malformed("extension exceeds extensions block")
		}
		if typ != extensionServerName {
			continue
		}
		return parseServerName(data)
	}

	return malformed(ReasonNoServerName)
}

// parseServerName returns the first host_name entry of a server_name
// extension. Further entries are ignored.
func parseServerName(data cryptobyte.String) Outcome {
	var list cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&list) || !data.Empty() {
		return malformed("invalid server name list length")
	}
	if list.Empty() {
		return malformed("empty server name list")
	}

	var nameType uint8
	var name cryptobyte.String
	if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
		return malformed("invalid server name entry")
	}
	if nameType != serverNameTypeHost {
		return malformed("unsupported server name type")
	}
	if len(name) == 0 {
		return malformed("empty server name")
	}
	for _, c := range name {
		if c <= ' ' || c > '~' {
			return malformed("non-ASCII server name")
		}
	}

	return Outcome{Kind: Hostname, Hostname: string(name)}
}
