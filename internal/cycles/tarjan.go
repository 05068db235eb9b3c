// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cycles finds dependency cycles as strongly connected components.
package cycles

import (
	"context"
	"sort"
	"strings"

	"github.com/AleutianAI/depgraph/internal/model"
)

// Adjacency maps a service id to the ids it depends on.
type Adjacency map[string][]string

// Component is one non-trivial SCC with its members sorted.
type Component struct {
	Members []string
	Key     string
}

// Size returns the member count.
func (c Component) Size() int {
	return len(c.Members)
}

// Stats describes the graph a detection ran over.
type Stats struct {
	Nodes         int
	Edges         int
	DanglingEdges int
}

// checkInterval is how many node visits pass between context checks.
const checkInterval = 1024

// Detect returns every strongly connected component of size >= 2.
//
// Description:
//
//	Runs Tarjan's algorithm with an explicit call stack so very long chains
//	do not grow the goroutine stack. Edges whose target has no entry in adj
//	are dropped before the run; nodes are visited in sorted order so the
//	output is deterministic.
//
//	Time complexity: O(V + E)
//	Space complexity: O(V)
//
// Outputs:
//
//	[]Component - Components sorted by size descending, then key.
//	Stats - Node and edge counts, including dropped dangling edges.
//	error - Only ctx.Err() if the context is cancelled mid-run.
func Detect(ctx context.Context, adj Adjacency) ([]Component, Stats, error) {
	nodes := make([]string, 0, len(adj))
	for id := range adj {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)

	var stats Stats
	stats.Nodes = len(nodes)

	// Filter dangling targets and self references once, up front.
	out := make(map[string][]string, len(adj))
	for _, id := range nodes {
		targets := make([]string, 0, len(adj[id]))
		for _, to := range adj[id] {
			if _, ok := adj[to]; !ok || to == id {
				stats.DanglingEdges++
				continue
			}
			targets = append(targets, to)
		}
		sort.Strings(targets)
		out[id] = targets
		stats.Edges += len(targets)
	}

	index := 0
	nodeIndex := make(map[string]int, len(nodes))
	lowLink := make(map[string]int, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	sccStack := make([]string, 0)
	var comps []Component

	// callFrame replaces one level of recursion.
	type callFrame struct {
		nodeID    string
		edgeIndex int
		phase     int // 0=enter, 1=scan edges, 2=after child, 3=finish
		childID   string
	}

	visits := 0
	strongConnect := func(start string) error {
		callStack := []callFrame{{nodeID: start}}

		for len(callStack) > 0 {
			frame := &callStack[len(callStack)-1]

			switch frame.phase {
			case 0:
				visits++
				if visits%checkInterval == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				nodeIndex[frame.nodeID] = index
				lowLink[frame.nodeID] = index
				index++
				sccStack = append(sccStack, frame.nodeID)
				onStack[frame.nodeID] = true
				frame.phase = 1

			case 1:
				targets := out[frame.nodeID]
				pushed := false
				for frame.edgeIndex < len(targets) {
					to := targets[frame.edgeIndex]
					frame.edgeIndex++

					if _, seen := nodeIndex[to]; !seen {
						frame.phase = 2
						frame.childID = to
						callStack = append(callStack, callFrame{nodeID: to})
						pushed = true
						break
					}
					if onStack[to] && nodeIndex[to] < lowLink[frame.nodeID] {
						lowLink[frame.nodeID] = nodeIndex[to]
					}
				}
				if !pushed {
					frame.phase = 3
				}

			case 2:
				if lowLink[frame.childID] < lowLink[frame.nodeID] {
					lowLink[frame.nodeID] = lowLink[frame.childID]
				}
				frame.phase = 1

			case 3:
				if lowLink[frame.nodeID] == nodeIndex[frame.nodeID] {
					var members []string
					for {
						w := sccStack[len(sccStack)-1]
						sccStack = sccStack[:len(sccStack)-1]
						onStack[w] = false
						members = append(members, w)
						if w == frame.nodeID {
							break
						}
					}
					if len(members) > 1 {
						sorted, key := model.NormalizeMembers(members)
						comps = append(comps, Component{Members: sorted, Key: key})
					}
				}
				callStack = callStack[:len(callStack)-1]
			}
		}
		return nil
	}

	for _, id := range nodes {
		if _, seen := nodeIndex[id]; seen {
			continue
		}
		if err := strongConnect(id); err != nil {
			return nil, stats, err
		}
	}

	sort.Slice(comps, func(i, j int) bool {
		if comps[i].Size() != comps[j].Size() {
			return comps[i].Size() > comps[j].Size()
		}
		return strings.Compare(comps[i].Key, comps[j].Key) < 0
	})
	return comps, stats, nil
}
