//go:build linux

// File: topology/discover_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux topology discovery through sysfs and sched_getaffinity.

package topology

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var sysfsRoot = "/sys/devices/system"

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}

func readMask(path string) (Mask, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Mask{}, err
	}
	return ParseMask(string(b))
}

func discoverPlatform() (*Topology, error) {
	online, err := readMask(filepath.Join(sysfsRoot, "cpu", "online"))
	if err != nil {
		return nil, err
	}

	type coreKey struct{ pkg, core int }
	pkgIndex := map[int]int{}
	coreIndex := map[coreKey]int{}
	t := &Topology{}

	pus := online.PUs()
	for _, cpu := range pus {
		base := filepath.Join(sysfsRoot, "cpu", "cpu"+strconv.Itoa(cpu), "topology")
		pkg, err := readInt(filepath.Join(base, "physical_package_id"))
		if err != nil {
			return nil, err
		}
		coreID, err := readInt(filepath.Join(base, "core_id"))
		if err != nil {
			return nil, err
		}
		si, ok := pkgIndex[pkg]
		if !ok {
			si = len(t.sockets)
			pkgIndex[pkg] = si
			t.sockets = append(t.sockets, Socket{ID: pkg})
		}
		key := coreKey{pkg, coreID}
		ci, ok := coreIndex[key]
		if !ok {
			ci = len(t.cores)
			coreIndex[key] = ci
			t.cores = append(t.cores, Core{Socket: si})
			t.sockets[si].Cores = append(t.sockets[si].Cores, ci)
		}
		t.cores[ci].PUs = append(t.cores[ci].PUs, cpu)
		t.pus = append(t.pus, PU{ID: cpu, Core: ci, Socket: si})
	}
	for i := range t.cores {
		sort.Ints(t.cores[i].PUs)
	}

	nodes, _ := filepath.Glob(filepath.Join(sysfsRoot, "node", "node[0-9]*"))
	sort.Slice(nodes, func(i, j int) bool {
		a, _ := strconv.Atoi(strings.TrimPrefix(filepath.Base(nodes[i]), "node"))
		b, _ := strconv.Atoi(strings.TrimPrefix(filepath.Base(nodes[j]), "node"))
		return a < b
	})
	for _, dir := range nodes {
		m, err := readMask(filepath.Join(dir, "cpulist"))
		if err != nil || m.None() {
			continue
		}
		idx := len(t.numaNodes)
		t.numaNodes = append(t.numaNodes, m.And(online))
		for i := range t.pus {
			if m.Test(t.pus[i].ID) {
				t.pus[i].NUMANode = idx
			}
		}
	}

	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err == nil {
		for _, cpu := range pus {
			if set.IsSet(cpu) {
				t.processMask.Set(cpu)
			}
		}
	}
	return t, nil
}
