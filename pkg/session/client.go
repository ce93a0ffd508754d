// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

// Client stores the routing facts of one proxied connection.
type Client struct {
	ID         string
	RemoteAddr string
	Hostname   string // As sent by the client, case preserved
	Backend    string
}
