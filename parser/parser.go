// Package parser parses output from the remote monitoring commands.
package parser

import (
	"fmt"
	"strconv"
	"strings"
)

// ProcessSort selects the column the process list is ordered by.
type ProcessSort string

const (
	SortCPU ProcessSort = "cpu"
	SortRAM ProcessSort = "ram"
)

// ParseProcessSort converts a user supplied sort name.
func ParseProcessSort(s string) (ProcessSort, error) {
	switch ProcessSort(strings.ToLower(strings.TrimSpace(s))) {
	case SortCPU:
		return SortCPU, nil
	case SortRAM:
		return SortRAM, nil
	}
	return "", fmt.Errorf("unknown process sort %q", s)
}

func (p ProcessSort) topField() string {
	if p == SortRAM {
		return "%MEM"
	}
	return "%CPU"
}

// SystemInfoCommand returns the top/awk pipeline whose output ParseSystemInfo reads.
func SystemInfoCommand(sort ProcessSort) string {
	return fmt.Sprintf(`top -bn1 -w 150 -o %s | awk '
    /Cpu/ {
        cpu=$2+$4
        print "CPU " cpu
    }
    /MiB Mem :/ {
        total=$4
        free=$6
        used=$8
        print "MEM " total " " used " " free
    }
    NR>7 && NR<18 {
        print "PROC " $12 " " $9 " " $10
    }'`, sort.topField())
}

// DiskUsageCommand prints "used,total,percent" for the root filesystem in GiB.
const DiskUsageCommand = `df -h / --output=size,used,pcent | awk 'NR==2 { printf "%s,%s,%s", $2, $1, $3 }' | tr -d 'G%'`

// MemoryInfo is memory usage in GiB.
type MemoryInfo struct {
	Used       float64 `json:"used"`
	Total      float64 `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ProcessInfo is one row of the process list.
type ProcessInfo struct {
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// SystemInfo is the parsed result of SystemInfoCommand.
type SystemInfo struct {
	CPUUsage  float64       `json:"cpu_usage"`
	Memory    MemoryInfo    `json:"memory"`
	Processes []ProcessInfo `json:"processes"`
}

// ParseSystemInfo extracts CPU, memory and process lines. Lines it does not
// recognise, or whose numbers do not parse, are skipped.
func ParseSystemInfo(output string) SystemInfo {
	var info SystemInfo
	var memTotal, memUsed float64

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "CPU":
			if len(fields) < 2 {
				continue
			}
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				info.CPUUsage = v
			}
		case "MEM":
			if len(fields) < 3 {
				continue
			}
			total, err1 := strconv.ParseFloat(fields[1], 64)
			used, err2 := strconv.ParseFloat(fields[2], 64)
			if err1 == nil && err2 == nil {
				memTotal = total
				memUsed = used
			}
		case "PROC":
			if len(fields) < 4 {
				continue
			}
			cpu, err1 := strconv.ParseFloat(fields[2], 64)
			mem, err2 := strconv.ParseFloat(fields[3], 64)
			if err1 != nil || err2 != nil {
				continue
			}
			info.Processes = append(info.Processes, ProcessInfo{
				Name:   fields[1],
				CPU:    cpu,
				Memory: mem,
			})
		}
	}

	var pct float64
	if memTotal > 0 {
		pct = memUsed / memTotal * 100
	}
	// top reports MiB
	info.Memory = MemoryInfo{
		Used:       memUsed / 1024,
		Total:      memTotal / 1024,
		Percentage: pct,
	}
	return info
}

// StorageInfo is root filesystem usage in GiB.
type StorageInfo struct {
	Used       float64 `json:"used"`
	Total      float64 `json:"total"`
	Percentage float64 `json:"percentage"`
}

// ParseDiskUsage parses "used,total,percent". Missing or malformed values are zero.
func ParseDiskUsage(output string) StorageInfo {
	values := strings.Split(strings.TrimSpace(output), ",")
	field := func(i int) float64 {
		if i >= len(values) {
			return 0
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(values[i]), 64)
		if err != nil {
			return 0
		}
		return v
	}
	return StorageInfo{
		Used:       field(0),
		Total:      field(1),
		Percentage: field(2),
	}
}
