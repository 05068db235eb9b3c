// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"bytes"
	"fmt"

	"github.com/AleutianAI/depgraph/internal/model"
)

const sep = "\x00"

var (
	prefixService  = []byte("svc/")
	prefixEdgeOut  = []byte("edge/out/")
	prefixEdgeIn   = []byte("edge/in/")
	prefixAlert    = []byte("alert/")
	prefixAlertKey = []byte("alertkey/")
)

func serviceKey(id string) []byte {
	return append(bytes.Clone(prefixService), id...)
}

func outKey(k model.EdgeKey) []byte {
	return []byte(string(prefixEdgeOut) + k.Source + sep + k.Target + sep + string(k.DiscoverySource))
}

func inKey(k model.EdgeKey) []byte {
	return []byte(string(prefixEdgeIn) + k.Target + sep + k.Source + sep + string(k.DiscoverySource))
}

// outPrefix covers every edge leaving src.
func outPrefix(src string) []byte {
	return []byte(string(prefixEdgeOut) + src + sep)
}

// inPrefix covers every edge entering tgt.
func inPrefix(tgt string) []byte {
	return []byte(string(prefixEdgeIn) + tgt + sep)
}

// pairPrefix covers every per-source row of one pair.
func pairPrefix(p model.PairKey) []byte {
	return []byte(string(prefixEdgeOut) + p.Source + sep + p.Target + sep)
}

// parseInKey recovers the edge identity from a reverse-index key.
func parseInKey(key []byte) (model.EdgeKey, error) {
	parts := bytes.Split(bytes.TrimPrefix(key, prefixEdgeIn), []byte(sep))
	if len(parts) != 3 {
		return model.EdgeKey{}, fmt.Errorf("malformed reverse index key %q", key)
	}
	return model.EdgeKey{
		Target:          string(parts[0]),
		Source:          string(parts[1]),
		DiscoverySource: model.DiscoverySource(parts[2]),
	}, nil
}

func alertKey(id string) []byte {
	return append(bytes.Clone(prefixAlert), id...)
}

func activeAlertKey(memberKey string) []byte {
	return append(bytes.Clone(prefixAlertKey), memberKey...)
}
