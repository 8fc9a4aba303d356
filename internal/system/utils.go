// Package system provides OS-level probes used in heartbeats and the
// housekeeping of the on-disk media directory.
package system

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// ThermalZonePath is where Linux exposes the SoC temperature in millidegrees.
const ThermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// HealthStatus represents the current system health snapshot.
type HealthStatus struct {
	DiskUsedPct   float64   `json:"disk_used_pct"`
	DiskFreeBytes uint64    `json:"disk_free_bytes"`
	CPUTempC      float64   `json:"cpu_temp_c"`
	Throttled     bool      `json:"throttled"`
	Timestamp     time.Time `json:"timestamp"`
}

// Prober gathers health figures. The zero value reads the real system.
type Prober struct {
	// Fs is used for the thermal zone. Nil means the OS filesystem.
	Fs afero.Fs
	// Run executes external commands and returns their stdout.
	Run func(name string, args ...string) ([]byte, error)
	Log logrus.FieldLogger
}

func (p *Prober) fs() afero.Fs {
	if p.Fs == nil {
		return afero.NewOsFs()
	}
	return p.Fs
}

func (p *Prober) run(name string, args ...string) ([]byte, error) {
	if p.Run != nil {
		return p.Run(name, args...)
	}
	return exec.Command(name, args...).Output()
}

func (p *Prober) log() logrus.FieldLogger {
	if p.Log == nil {
		return logrus.WithField("component", "system")
	}
	return p.Log
}

// CPUTemp reads the thermal zone and returns degrees Celsius.
func (p *Prober) CPUTemp() (float64, error) {
	data, err := afero.ReadFile(p.fs(), ThermalZonePath)
	if err != nil {
		return 0, fmt.Errorf("read cpu temp: %w", err)
	}

	milliC, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse cpu temp: %w", err)
	}

	return milliC / 1000.0, nil
}

// DiskUsage returns the usage percentage and free bytes for the filesystem
// holding path (default "/").
func (p *Prober) DiskUsage(path string) (usedPct float64, freeBytes uint64, err error) {
	if path == "" {
		path = "/"
	}

	out, err := p.run("df", "--output=pcent,avail", "-B1", path)
	if err != nil {
		return 0, 0, fmt.Errorf("df command failed: %w", err)
	}
	return parseDF(out)
}

func parseDF(out []byte) (float64, uint64, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0, 0, fmt.Errorf("unexpected df output")
	}

	fields := strings.Fields(lines[1])
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("unexpected df fields")
	}

	pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "%"), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse disk pct: %w", err)
	}

	free, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse disk free: %w", err)
	}

	return pct, free, nil
}

// Throttled asks vcgencmd whether the board is throttled for temperature
// or power. Boards without vcgencmd return an error.
func (p *Prober) Throttled() (bool, error) {
	out, err := p.run("vcgencmd", "get_throttled")
	if err != nil {
		return false, fmt.Errorf("vcgencmd failed: %w", err)
	}

	// throttled=0x0
	parts := strings.SplitN(strings.TrimSpace(string(out)), "=", 2)
	if len(parts) < 2 {
		return false, fmt.Errorf("unexpected vcgencmd output")
	}

	val, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 64)
	if err != nil {
		return false, fmt.Errorf("parse throttle value: %w", err)
	}

	return val != 0, nil
}

// Check performs a full health snapshot of the filesystem holding dir.
// Probes that fail leave their fields zero.
func (p *Prober) Check(dir string) HealthStatus {
	status := HealthStatus{Timestamp: time.Now()}
	log := p.log()

	if temp, err := p.CPUTemp(); err == nil {
		status.CPUTempC = temp
	} else {
		log.Debugf("health: temp read error: %v", err)
	}

	if pct, free, err := p.DiskUsage(dir); err == nil {
		status.DiskUsedPct = pct
		status.DiskFreeBytes = free
	} else {
		log.Debugf("health: disk read error: %v", err)
	}

	if throttled, err := p.Throttled(); err == nil {
		status.Throttled = throttled
	} else {
		log.Debugf("health: throttle check error: %v", err)
	}

	log.Debugf("health: temp=%.1fC disk=%.1f%% throttled=%v",
		status.CPUTempC, status.DiskUsedPct, status.Throttled)

	return status
}

// EnsureDir creates a directory and all parents if it does not exist.
func EnsureDir(fsys afero.Fs, path string) error {
	return fsys.MkdirAll(path, 0755)
}

// CleanOldFiles removes regular files older than maxAge from dir, keeping
// any whose path is in keep. A zero maxAge removes every file not kept.
func CleanOldFiles(fsys afero.Fs, dir string, maxAge time.Duration, keep map[string]bool, log logrus.FieldLogger) (int, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		return 0, err
	}
	if log == nil {
		log = logrus.WithField("component", "system")
	}

	removed := 0
	for _, info := range entries {
		if info.IsDir() {
			continue
		}
		fp := filepath.Join(dir, info.Name())
		if keep[fp] || (maxAge > 0 && time.Since(info.ModTime()) <= maxAge) {
			continue
		}
		if err := fsys.Remove(fp); err == nil {
			removed++
			log.Debugf("cleaned old file: %s", fp)
		}
	}

	return removed, nil
}
