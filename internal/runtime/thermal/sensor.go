package thermal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// DefaultSysfsRoot is where Linux exposes thermal zones.
const DefaultSysfsRoot = "/sys/class/thermal"

// SysfsZones reads thermal_zoneN/temp (millidegrees) under Root for N < MaxZones.
type SysfsZones struct {
	Root     string
	MaxZones int
}

// Read returns every readable zone. Missing zones are skipped.
func (z SysfsZones) Read() (map[string]float64, error) {
	root := z.Root
	if root == "" {
		root = DefaultSysfsRoot
	}
	maxZones := z.MaxZones
	if maxZones <= 0 {
		maxZones = 10
	}
	temps := map[string]float64{}
	for i := 0; i < maxZones; i++ {
		dir := filepath.Join(root, "thermal_zone"+strconv.Itoa(i))
		raw, err := os.ReadFile(filepath.Join(dir, "temp"))
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s temp: %w", dir, err)
		}
		kind, _ := os.ReadFile(filepath.Join(dir, "type"))
		temps[formatZone(i, strings.TrimSpace(string(kind)))] = milli / 1000
	}
	return temps, nil
}

// HostSensor combines sysfs zones, gopsutil temperature sensors as a
// fallback, and gopsutil CPU utilization.
type HostSensor struct {
	Zones SysfsZones
	// SkipUtilization disables CPU sampling.
	SkipUtilization bool

	cpuPercent   func(ctx context.Context) (float64, error)
	temperatures func(ctx context.Context) (map[string]float64, error)
}

// NewHostSensor returns a sensor backed by the local host.
func NewHostSensor(zones SysfsZones) *HostSensor {
	return &HostSensor{
		Zones:        zones,
		cpuPercent:   gopsutilCPUPercent,
		temperatures: gopsutilTemperatures,
	}
}

// Read samples temperatures and utilization. A missing source is not an error;
// the reading simply omits it.
func (s *HostSensor) Read(ctx context.Context) (Reading, error) {
	temps, err := s.Zones.Read()
	if err != nil {
		return Reading{}, err
	}
	if len(temps) == 0 && s.temperatures != nil {
		if fallback, err := s.temperatures(ctx); err == nil {
			temps = fallback
		}
	}
	reading := Reading{Temperatures: temps}
	if !s.SkipUtilization && s.cpuPercent != nil {
		if pct, err := s.cpuPercent(ctx); err == nil {
			reading.Utilization = pct
			reading.HasUtilization = true
		}
	}
	return reading, nil
}

func gopsutilCPUPercent(ctx context.Context) (float64, error) {
	// Interval 0 compares against the previous call, so the sampling loop
	// itself provides the averaging window.
	values, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("cpu percent unavailable")
	}
	return values[0], nil
}

func gopsutilTemperatures(ctx context.Context) (map[string]float64, error) {
	stats, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(stats) == 0 {
		return nil, err
	}
	temps := make(map[string]float64, len(stats))
	for _, st := range stats {
		if st.Temperature <= 0 {
			continue
		}
		temps[st.SensorKey] = st.Temperature
	}
	return temps, nil
}

func formatZone(index int, kind string) string {
	if kind == "" {
		return "thermal_zone" + strconv.Itoa(index)
	}
	return kind + "_" + strconv.Itoa(index)
}
