// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import "errors"

var (
	// ErrNoAliveNodes is returned when no primary is alive to own a channel.
	ErrNoAliveNodes = errors.New("no alive primary nodes")

	// ErrUnknownNode is returned for an address missing from the configuration.
	ErrUnknownNode = errors.New("unknown node")

	// ErrFenced is returned while the local node refuses ownership after a
	// failed recovery.
	ErrFenced = errors.New("node is fenced")

	// ErrPeerStatus is returned when a peer answers with an unexpected status.
	ErrPeerStatus = errors.New("unexpected peer status")
)
