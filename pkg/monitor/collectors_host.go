// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitor

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// hostMemory reads host memory statistics from /proc/meminfo and
// /proc/vmstat. Values are reported in KiB like the guest-side statistics.
type hostMemory struct {
	procRoot string
}

func newHostMemory(opts CollectorOpts) (Collector, error) {
	return &hostMemory{procRoot: opts.procRoot()}, nil
}

func (c *hostMemory) Fields() []string {
	return []string{"mem_available", "mem_unused", "mem_free", "swap_total", "swap_usage", "anon_pages"}
}

func (c *hostMemory) OptionalFields() []string { return nil }

func (c *hostMemory) Collect() (map[string]interface{}, error) {
	meminfo, err := readKVFile(filepath.Join(c.procRoot, "meminfo"), ":")
	if err != nil {
		return nil, err
	}
	vmstat, err := readKVFile(filepath.Join(c.procRoot, "vmstat"), "")
	if err != nil {
		return nil, err
	}
	free := meminfo["MemFree"]
	return map[string]interface{}{
		"mem_available": meminfo["MemTotal"],
		"mem_unused":    free,
		"mem_free":      free + meminfo["Buffers"] + meminfo["Cached"],
		"swap_total":    meminfo["SwapTotal"],
		"swap_usage":    meminfo["SwapTotal"] - meminfo["SwapFree"],
		// nr_anon_pages counts 4 KiB pages.
		"anon_pages": vmstat["nr_anon_pages"] * 4,
	}, nil
}

// readKVFile parses files of "key<sep> value [unit]" lines into int64 values.
func readKVFile(path, sep string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := map[string]int64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimSuffix(fields[0], sep)
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[key] = v
	}
	return out, sc.Err()
}

// hostCPU reports the number of CPUs in the host from /proc/cpuinfo.
type hostCPU struct {
	procRoot string
}

var processorLine = regexp.MustCompile(`(?m)^processor\s*:`)

func newHostCPU(opts CollectorOpts) (Collector, error) {
	return &hostCPU{procRoot: opts.procRoot()}, nil
}

func (c *hostCPU) Fields() []string         { return []string{"cpu_count"} }
func (c *hostCPU) OptionalFields() []string { return nil }

func (c *hostCPU) Collect() (map[string]interface{}, error) {
	contents, err := os.ReadFile(filepath.Join(c.procRoot, "cpuinfo"))
	if err != nil {
		return nil, err
	}
	count := int64(len(processorLine.FindAllIndex(contents, -1)))
	return map[string]interface{}{"cpu_count": count}, nil
}

// hostTime reports wall-clock components so policies can be time based.
type hostTime struct {
	now func() time.Time
}

func newHostTime(CollectorOpts) (Collector, error) {
	return &hostTime{now: time.Now}, nil
}

func (c *hostTime) Fields() []string {
	return []string{
		"time_year", "time_month", "time_day", "time_hour",
		"time_minute", "time_second", "time_microsecond",
	}
}

func (c *hostTime) OptionalFields() []string { return nil }

func (c *hostTime) Collect() (map[string]interface{}, error) {
	now := c.now()
	return map[string]interface{}{
		"time_year":        int64(now.Year()),
		"time_month":       int64(now.Month()),
		"time_day":         int64(now.Day()),
		"time_hour":        int64(now.Hour()),
		"time_minute":      int64(now.Minute()),
		"time_second":      int64(now.Second()),
		"time_microsecond": int64(now.Nanosecond() / 1000),
	}, nil
}

// hostKSM reads the kernel same-page-merging state from sysfs. Policies use
// these to drive the KSM controller's knobs.
type hostKSM struct {
	dir string
}

var ksmFiles = []string{
	"run", "pages_to_scan", "sleep_millisecs", "pages_shared",
	"pages_sharing", "pages_unshared", "pages_volatile", "full_scans",
	"merge_across_nodes",
}

func newHostKSM(opts CollectorOpts) (Collector, error) {
	dir := filepath.Join(opts.sysRoot(), "kernel", "mm", "ksm")
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("KSM is not available: %w", err)
	}
	return &hostKSM{dir: dir}, nil
}

func (c *hostKSM) Fields() []string {
	out := make([]string, 0, len(ksmFiles))
	for _, f := range ksmFiles {
		out = append(out, "ksm_"+f)
	}
	return out
}

func (c *hostKSM) OptionalFields() []string { return nil }

func (c *hostKSM) Collect() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for _, name := range ksmFiles {
		raw, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing ksm %s: %w", name, err)
		}
		out["ksm_"+name] = v
	}
	return out, nil
}
