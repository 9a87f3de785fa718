// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package action

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrNotRescopable is returned when a message kind carries no handling clients.
var ErrNotRescopable = errors.New("message kind cannot be scoped to hosts")

// Addressed reports whether nodeID should act on m. A message with no
// handling clients addresses every node.
func Addressed(m Message, nodeID string) bool {
	clients := m.Clients()
	return len(clients) == 0 || slices.Contains(clients, nodeID)
}

// Rescope returns a copy of m restricted to hosts.
func Rescope(m Message, hosts []string) (Message, error) {
	hosts = sortedUnique(hosts)
	switch v := m.(type) {
	case *Update:
		cp := *v
		cp.HandlingClients = hosts
		return &cp, nil
	case *UpdateState:
		cp := *v
		cp.HandlingClients = hosts
		return &cp, nil
	case *Purge:
		cp := *v
		cp.HandlingClients = hosts
		return &cp, nil
	case *Delete:
		cp := *v
		cp.HandlingClients = hosts
		return &cp, nil
	default:
		return nil, fmt.Errorf("rescope %s: %w", m.Kind(), ErrNotRescopable)
	}
}

// Unconfirmed returns the hosts whose delivery of m was not confirmed by cr.
// A message scoped to handling clients is unconfirmed for every client that
// did not reply, registered or not. A broadcast message is unconfirmed for
// the candidates that timed out. Hosts that replied, successfully or not,
// are always confirmed.
func Unconfirmed(m Message, cr *CollectedReplies) []string {
	if cr == nil {
		return nil
	}

	targets := m.Clients()
	if len(targets) == 0 {
		targets = cr.TimedOut
	}

	var out []string
	for _, host := range targets {
		if !slices.Contains(cr.Replied, host) {
			out = append(out, host)
		}
	}
	return sortedUnique(out)
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
