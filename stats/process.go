package stats

import (
	"github.com/c9s/goprocinfo/linux"
	"github.com/pkg/errors"
)

const (
	selfStatusFile = "/proc/self/status"
	selfStatFile   = "/proc/self/stat"
	allStatFile    = "/proc/stat"
)

var allStatAtInit *linux.Stat

// InitProcessUsage records system-wide CPU-time statistics as the baseline
// for ReadProcessUsage; the engine does not call it (cmd/netobs-soak does,
// at startup). It fails if /proc isn't available (e.g. non-Linux dev machines), in which
// case ReadProcessUsage returns an error on every call rather than
// panicking.
func InitProcessUsage() error {
	s, err := linux.ReadStat(allStatFile)
	if err != nil {
		return errors.Wrapf(err, "stats: failed to read %s", allStatFile)
	}
	allStatAtInit = s
	return nil
}

// ProcessUsage is the process-wide memory/CPU gauge, read on demand by
// ReadProcessUsage. It is not part of Set.Snapshot.
type ProcessUsage struct {
	RelativeCPU float64
	VMPeakKB    uint64
}

// ReadProcessUsage computes CPU usage of this process relative to all
// processes scheduled since InitProcessUsage, plus peak virtual memory.
func ReadProcessUsage() (ProcessUsage, error) {
	if allStatAtInit == nil {
		return ProcessUsage{}, errors.New("stats: ReadProcessUsage called without InitProcessUsage")
	}

	status, err := linux.ReadProcessStatus(selfStatusFile)
	if err != nil {
		return ProcessUsage{}, errors.Wrapf(err, "stats: failed to read %s", selfStatusFile)
	}
	stat, err := linux.ReadProcessStat(selfStatFile)
	if err != nil {
		return ProcessUsage{}, errors.Wrapf(err, "stats: failed to read %s", selfStatFile)
	}
	allStat, err := linux.ReadStat(allStatFile)
	if err != nil {
		return ProcessUsage{}, errors.Wrapf(err, "stats: failed to read %s", allStatFile)
	}

	selfCPU := float64(stat.Utime) + float64(stat.Stime)
	allCPU := float64(allStat.CPUStatAll.User-allStatAtInit.CPUStatAll.User) +
		float64(allStat.CPUStatAll.System-allStatAtInit.CPUStatAll.System)

	var relative float64
	if allCPU > 0 {
		relative = selfCPU / allCPU
	}

	return ProcessUsage{
		RelativeCPU: relative,
		VMPeakKB:    status.VmPeak,
	}, nil
}
