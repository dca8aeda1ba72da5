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

package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/yaml"

	"github.com/containers/accel-devmem/pkg/devmem"
)

// Workload is a scripted sequence of allocator operations.
type Workload struct {
	// Steps are executed in order.
	Steps []Step `json:"steps"`
	// Repeat runs the steps this many times. 0 means once.
	Repeat int `json:"repeat,omitempty"`
}

// Step is a single workload operation.
type Step struct {
	// Op is one of malloc, free, merge, reset, release-idle, evict and dump.
	Op string `json:"op"`
	// Session, Device and Kind select the allocator.
	Session string `json:"session,omitempty"`
	Device  int    `json:"device,omitempty"`
	Kind    string `json:"kind,omitempty"`
	// PageSize selects an allocator with a non-default page size.
	PageSize *resource.Quantity `json:"pageSize,omitempty"`
	// Name labels an allocation for free, or a merger for merge and reset.
	Name string `json:"name,omitempty"`
	// Size of a malloc.
	Size *resource.Quantity `json:"size,omitempty"`
	// Sizes of a merge.
	Sizes []resource.Quantity `json:"sizes,omitempty"`
	// Incremental allows a malloc to grow the high-water mark.
	Incremental *bool `json:"incremental,omitempty"`
	// ExpectError marks a step which is expected to fail.
	ExpectError bool `json:"expectError,omitempty"`
}

// LoadWorkload reads a workload from a YAML file.
func LoadWorkload(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read workload %q", path)
	}
	return ParseWorkload(data)
}

// ParseWorkload parses YAML workload data.
func ParseWorkload(data []byte) (*Workload, error) {
	w := &Workload{}
	if err := yaml.UnmarshalStrict(data, w); err != nil {
		return nil, errors.Wrap(err, "failed to parse workload")
	}
	for i := range w.Steps {
		if err := w.Steps[i].validate(); err != nil {
			return nil, errors.Wrapf(err, "step #%d", i)
		}
	}
	return w, nil
}

func (s *Step) validate() error {
	switch s.Op {
	case "malloc":
		if s.Name == "" || s.Size == nil {
			return errors.Errorf("malloc needs a name and a size")
		}
	case "free":
		if s.Name == "" {
			return errors.Errorf("free needs the name of an allocation")
		}
	case "merge":
		if s.Name == "" || len(s.Sizes) == 0 {
			return errors.Errorf("merge needs a merger name and sizes")
		}
	case "reset":
		if s.Name == "" {
			return errors.Errorf("reset needs a merger name")
		}
	case "release-idle", "evict", "dump":
	default:
		return errors.Errorf("unknown operation %q", s.Op)
	}
	if _, err := devmem.ParseKind(s.Kind); err != nil {
		return err
	}
	return nil
}

func (s *Step) key() devmem.Key {
	kind, _ := devmem.ParseKind(s.Kind)
	key := devmem.Key{
		Session: s.Session,
		Device:  s.Device,
		Kind:    kind,
	}
	if s.PageSize != nil {
		key.PageSize = uint64(s.PageSize.Value())
	}
	return key
}

func (s *Step) String() string {
	return fmt.Sprintf("%s %s/%s", s.Op, s.key(), s.Name)
}

type allocation struct {
	key  devmem.Key
	addr uint64
	size uint64
}

type merger struct {
	m *devmem.Merger
	a *devmem.Allocator
}

// Simulator executes workloads against an allocator registry.
type Simulator struct {
	r       *devmem.Registry
	allocs  map[string]*allocation
	mergers map[string]*merger
	Result  Result
}

// Result summarizes a workload run.
type Result struct {
	Steps    int      `json:"steps"`
	Failures int      `json:"failures"`
	Expected int      `json:"expectedFailures"`
	Live     []string `json:"liveAllocations,omitempty"`
}

// NewSimulator creates a simulator for the given registry.
func NewSimulator(r *devmem.Registry) *Simulator {
	return &Simulator{
		r:       r,
		allocs:  make(map[string]*allocation),
		mergers: make(map[string]*merger),
	}
}

// Run executes the workload. It stops at the first unexpected failure.
func (sim *Simulator) Run(ctx context.Context, w *Workload) error {
	for round := 0; round < max(w.Repeat, 1); round++ {
		for i := range w.Steps {
			if err := ctx.Err(); err != nil {
				return err
			}

			step := &w.Steps[i]
			err := sim.execute(step)
			sim.Result.Steps++

			switch {
			case err != nil && step.ExpectError:
				sim.Result.Expected++
				log.Info("step #%d (%s) failed as expected: %v", i, step, err)
			case err != nil:
				sim.Result.Failures++
				return errors.Wrapf(err, "round %d, step #%d (%s)", round, i, step)
			case step.ExpectError:
				sim.Result.Failures++
				return errors.Errorf("round %d, step #%d (%s) should have failed", round, i, step)
			default:
				log.Debug("step #%d (%s) done", i, step)
			}
		}
	}

	sim.Result.Live = sim.live()

	return nil
}

// Close frees all simulator state.
func (sim *Simulator) Close() error {
	var errs *multierror.Error
	for name, mg := range sim.mergers {
		if err := mg.m.Close(); err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "merger %s", name))
		}
		if err := mg.a.DecRef(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	sim.mergers = make(map[string]*merger)
	sim.allocs = make(map[string]*allocation)

	return errs.ErrorOrNil()
}

func (sim *Simulator) execute(s *Step) error {
	switch s.Op {
	case "malloc":
		return sim.malloc(s)
	case "free":
		return sim.free(s)
	case "merge":
		return sim.merge(s)
	case "reset":
		mg, ok := sim.mergers[s.Name]
		if !ok {
			return errors.Errorf("unknown merger %q", s.Name)
		}
		mg.m.Reset()
		return nil
	case "release-idle":
		return sim.releaseIdle(s)
	case "evict":
		return sim.evict(s)
	case "dump":
		for _, a := range sim.r.Allocators() {
			a.DumpState("[dump] ")
			a.DumpPages("[dump] ")
		}
		return nil
	}
	return errors.Errorf("unknown operation %q", s.Op)
}

func (sim *Simulator) malloc(s *Step) error {
	if _, ok := sim.allocs[s.Name]; ok {
		return errors.Errorf("allocation %q already exists", s.Name)
	}

	incremental := true
	if s.Incremental != nil {
		incremental = *s.Incremental
	}

	key := s.key()
	size := uint64(s.Size.Value())
	addr, err := sim.r.Malloc(key, s.Name, size, incremental)
	if err != nil {
		return err
	}

	sim.allocs[s.Name] = &allocation{key: key, addr: addr, size: size}

	return nil
}

func (sim *Simulator) free(s *Step) error {
	alloc, ok := sim.allocs[s.Name]
	if !ok {
		return errors.Errorf("unknown allocation %q", s.Name)
	}

	a, err := sim.r.Get(alloc.key)
	if err != nil {
		return err
	}
	defer a.DecRef()

	delete(sim.allocs, s.Name)

	return a.Free(alloc.addr)
}

func (sim *Simulator) merge(s *Step) error {
	mg, ok := sim.mergers[s.Name]
	if !ok {
		a, err := sim.r.Get(s.key())
		if err != nil {
			return err
		}
		mg = &merger{m: devmem.NewMerger(a, s.Name), a: a}
		sim.mergers[s.Name] = mg
	}

	sizes := make([]uint64, 0, len(s.Sizes))
	for _, q := range s.Sizes {
		sizes = append(sizes, uint64(q.Value()))
	}

	_, err := mg.m.Allocate(sizes...)
	return err
}

func (sim *Simulator) releaseIdle(s *Step) error {
	for _, a := range sim.r.Allocators() {
		if s.Session != "" && a.Session() != s.Session {
			continue
		}
		released, err := a.ReleaseIdle()
		if err != nil {
			return err
		}
		log.Info("%s: released %d idle bytes", a, released)
	}
	return nil
}

func (sim *Simulator) evict(s *Step) error {
	for name, alloc := range sim.allocs {
		if alloc.key.Session == s.Session && alloc.key.Device == s.Device {
			delete(sim.allocs, name)
		}
	}
	return sim.r.Evict(s.Session, s.Device)
}

func (sim *Simulator) live() []string {
	var live []string
	for name, alloc := range sim.allocs {
		live = append(live, fmt.Sprintf("%s: %s 0x%x+%d", name, alloc.key, alloc.addr, alloc.size))
	}
	sort.Strings(live)
	return live
}
