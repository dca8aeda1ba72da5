// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mempolicy provides low-level functions for binding memory ranges
// to NUMA nodes using the Linux kernel's mbind syscall.
package mempolicy

import (
	"fmt"
	"slices"
	"strings"

	"k8s.io/utils/cpuset"
)

const (
	MPOL_DEFAULT = iota
	MPOL_PREFERRED
	MPOL_BIND
	MPOL_INTERLEAVE
	MPOL_LOCAL
	MPOL_PREFERRED_MANY
	MPOL_WEIGHTED_INTERLEAVE

	MPOL_F_STATIC_NODES   uint = (1 << 15)
	MPOL_F_RELATIVE_NODES uint = (1 << 14)
	MPOL_F_NUMA_BALANCING uint = (1 << 13)

	MPOL_MF_STRICT uint = (1 << 0)
	MPOL_MF_MOVE   uint = (1 << 1)

	MAX_NUMA_NODES = 1024
)

var Modes = map[string]uint{
	"MPOL_DEFAULT":             MPOL_DEFAULT,
	"MPOL_PREFERRED":           MPOL_PREFERRED,
	"MPOL_BIND":                MPOL_BIND,
	"MPOL_INTERLEAVE":          MPOL_INTERLEAVE,
	"MPOL_LOCAL":               MPOL_LOCAL,
	"MPOL_PREFERRED_MANY":      MPOL_PREFERRED_MANY,
	"MPOL_WEIGHTED_INTERLEAVE": MPOL_WEIGHTED_INTERLEAVE,
}

var Flags = map[string]uint{
	"MPOL_F_STATIC_NODES":   MPOL_F_STATIC_NODES,
	"MPOL_F_RELATIVE_NODES": MPOL_F_RELATIVE_NODES,
	"MPOL_F_NUMA_BALANCING": MPOL_F_NUMA_BALANCING,
}

var ModeNames map[uint]string

var FlagNames map[uint]string

// Policy is a memory policy mode with its flags and nodes.
type Policy struct {
	Mode  uint
	Flags uint
	Nodes []int
}

// ParsePolicy parses a policy given as MODE[|FLAG...][:NODES], for
// instance "MPOL_BIND:0-1" or "MPOL_PREFERRED|MPOL_F_STATIC_NODES:2".
// The MPOL_ and MPOL_F_ prefixes of modes and flags may be omitted.
func ParsePolicy(s string) (*Policy, error) {
	spec, nodes, hasNodes := strings.Cut(s, ":")
	names := strings.Split(spec, "|")

	mode, ok := Modes[canonical(names[0], "MPOL_")]
	if !ok {
		return nil, fmt.Errorf("invalid memory policy mode %q", names[0])
	}

	p := &Policy{Mode: mode}
	for _, name := range names[1:] {
		flag, ok := Flags[canonical(name, "MPOL_F_")]
		if !ok {
			return nil, fmt.Errorf("invalid memory policy flag %q", name)
		}
		p.Flags |= flag
	}

	if hasNodes {
		nset, err := cpuset.Parse(nodes)
		if err != nil {
			return nil, fmt.Errorf("invalid memory policy nodes %q: %w", nodes, err)
		}
		p.Nodes = nset.List()
	}

	switch p.Mode {
	case MPOL_DEFAULT, MPOL_LOCAL:
		if len(p.Nodes) > 0 {
			return nil, fmt.Errorf("memory policy %s takes no nodes", ModeNames[p.Mode])
		}
	case MPOL_PREFERRED:
	default:
		if len(p.Nodes) == 0 {
			return nil, fmt.Errorf("memory policy %s needs nodes", ModeNames[p.Mode])
		}
	}

	if _, err := nodesToMask(p.Nodes); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Policy) String() string {
	names := []string{ModeNames[p.Mode]}
	for flag, name := range FlagNames {
		if p.Flags&flag != 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names[1:])

	s := strings.Join(names, "|")
	if len(p.Nodes) > 0 {
		s += ":" + cpuset.New(p.Nodes...).String()
	}
	return s
}

func canonical(name, prefix string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(name, prefix) {
		name = prefix + name
	}
	return name
}

func nodesToMask(nodes []int) ([]uint64, error) {
	maxNode := 0
	for _, node := range nodes {
		if node > maxNode {
			maxNode = node
		}
		if node < 0 {
			return nil, fmt.Errorf("node %d out of range", node)
		}
	}
	if maxNode >= MAX_NUMA_NODES {
		return nil, fmt.Errorf("node %d out of range", maxNode)
	}
	mask := make([]uint64, (maxNode/64)+1)
	for _, node := range nodes {
		mask[node/64] |= (1 << (node % 64))
	}
	return mask, nil
}

func init() {
	ModeNames = make(map[uint]string)
	for k, v := range Modes {
		ModeNames[v] = k
	}
	FlagNames = make(map[uint]string)
	for k, v := range Flags {
		FlagNames[v] = k
	}
}
