// Package aggregation accumulates one client's telemetry per tab and turns it
// into statistics and CO2 estimates.
package aggregation

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristosando/tabcarbon/internal/config"
	"github.com/aristosando/tabcarbon/internal/extdata"
	"github.com/aristosando/tabcarbon/internal/logger"
	"github.com/aristosando/tabcarbon/internal/protocol"
	"github.com/aristosando/tabcarbon/internal/types"
)

const (
	nsPerHour  = 3.6e12
	msPerHour  = 3.6e6
	bytesPerGB = 1e9
	whPerKWh   = 1000
)

// ExternalData serves the cached inputs of the emission model. A false result
// means no value has ever been fetched.
type ExternalData interface {
	CarbonIntensity(ctx context.Context) (extdata.CarbonIntensity, bool)
	PowerProfile(ctx context.Context, profile string) (extdata.PowerEstimate, bool)
}

type Config struct {
	DeviceProfile        string
	ServerProfile        string
	TransmissionKWhPerGB float64
	// EmissionScale converts Wh x gCO2/kWh into the reported unit.
	EmissionScale float64
}

func ConfigFrom(cfg config.ServerConfig) Config {
	return Config{
		DeviceProfile:        cfg.DevicePowerProfile,
		ServerProfile:        cfg.ServerPowerProfile,
		TransmissionKWhPerGB: cfg.TransmissionKWhPerGB,
		EmissionScale:        cfg.EmissionScale,
	}
}

// unit names the reported mass for the common scales.
func (c Config) unit() string {
	switch c.EmissionScale {
	case 1:
		return "mgCO2"
	case 1e-3:
		return "gCO2"
	case 1e-6:
		return "kgCO2"
	}
	return ""
}

// TabTelemetry is the append-only record of one tab.
type TabTelemetry struct {
	Info       types.TabInfo
	CPUSamples []types.CPUSample
	Network    []types.NetworkEntry
	mimeCounts map[string]int
}

type Service struct {
	data   ExternalData
	config Config
	logger *zap.Logger

	mu   sync.Mutex
	tabs map[types.TabID]*TabTelemetry
}

func New(data ExternalData, config Config, logger *zap.Logger) *Service {
	if config.EmissionScale == 0 {
		config.EmissionScale = 1
	}

	return &Service{
		data:   data,
		config: config,
		logger: logger,
		tabs:   make(map[types.TabID]*TabTelemetry),
	}
}

func (s *Service) tab(id types.TabID) *TabTelemetry {
	t, ok := s.tabs[id]
	if !ok {
		t = &TabTelemetry{Info: types.TabInfo{TabID: id}, mimeCounts: make(map[string]int)}
		s.tabs[id] = t
	}
	return t
}

// RecordCPUSample appends sample to the tab described by info. Timestamps
// never go backwards within a tab: an earlier one is clamped to the last.
func (s *Service) RecordCPUSample(info types.TabInfo, sample types.CPUSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tab(info.TabID)
	if info.Title != "" {
		t.Info.Title = info.Title
	}
	if info.PID != 0 {
		t.Info.PID = info.PID
	}
	if info.OuterWindowID != "" {
		t.Info.OuterWindowID = info.OuterWindowID
	}

	if n := len(t.CPUSamples); n > 0 && sample.Timestamp.Before(t.CPUSamples[n-1].Timestamp) {
		sample.Timestamp = t.CPUSamples[n-1].Timestamp
	}
	t.CPUSamples = append(t.CPUSamples, sample)
}

func (s *Service) RecordNetworkEntry(tabID types.TabID, entry types.NetworkEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tab(tabID)
	t.Network = append(t.Network, entry)
	if entry.MimeType != "" {
		t.mimeCounts[entry.MimeType]++
	}
}

// ComputeTabStatistics summarises every tab that has at least one CPU sample.
func (s *Service) ComputeTabStatistics() map[types.TabID]protocol.TabStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[types.TabID]protocol.TabStatistics, len(s.tabs))
	for id, t := range s.tabs {
		if len(t.CPUSamples) == 0 {
			continue
		}

		stats := cpuStatistics(t.CPUSamples)
		stats.Title = t.Info.Title
		addNetworkStatistics(&stats, t.Network, t.mimeCounts)

		out[id] = stats
	}

	return out
}

type totals struct {
	cpuNs    float64
	bytes    int64
	waitMs   float64
	requests int
}

func (s *Service) totals() totals {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tt totals
	for _, t := range s.tabs {
		for _, sample := range t.CPUSamples {
			tt.cpuNs += sample.CPUUsageDelta
		}
		for _, e := range t.Network {
			tt.bytes += e.RequestSize + e.ResponseSize
			tt.waitMs += e.Timings.Wait
			tt.requests++
		}
	}

	return tt
}

func (s *Service) zeroReport() protocol.EmissionReport {
	return protocol.EmissionReport{PerRegion: map[string]float64{}, Unit: s.config.unit()}
}

// convert applies the grid intensity to an energy figure in Wh. Regions use
// their forecast intensity.
func (s *Service) convert(wh float64, intensity extdata.CarbonIntensity) protocol.EmissionReport {
	report := s.zeroReport()
	report.Actual = wh * intensity.Current() * s.config.EmissionScale
	for region, forecast := range intensity.Regions {
		report.PerRegion[region] = wh * forecast * s.config.EmissionScale
	}
	report.Stale = intensity.Stale

	return report
}

// EstimateDeviceEmissions converts the CPU time of all tabs into CO2 using the
// device power profile. It does not change recorded state.
func (s *Service) EstimateDeviceEmissions(ctx context.Context) protocol.EmissionReport {
	tt := s.totals()
	if tt.cpuNs == 0 {
		return s.zeroReport()
	}

	power, ok := s.data.PowerProfile(ctx, s.config.DeviceProfile)
	if !ok {
		s.logger.Warn("device emissions unavailable: no power profile", logger.WithProfile(s.config.DeviceProfile))
		return s.unavailable()
	}

	intensity, ok := s.data.CarbonIntensity(ctx)
	if !ok {
		s.logger.Warn("device emissions unavailable: no carbon intensity")
		return s.unavailable()
	}

	wh := tt.cpuNs / nsPerHour * power.Watts

	report := s.convert(wh, intensity)
	report.Stale = report.Stale || power.Stale

	return report
}

// EstimateNetworkEmissions converts transferred bytes at a fixed energy per GB,
// plus the server power drawn while requests waited. Without a server power
// profile only the transfer term is counted.
func (s *Service) EstimateNetworkEmissions(ctx context.Context) protocol.EmissionReport {
	tt := s.totals()
	if tt.requests == 0 {
		return s.zeroReport()
	}

	intensity, ok := s.data.CarbonIntensity(ctx)
	if !ok {
		s.logger.Warn("network emissions unavailable: no carbon intensity")
		return s.unavailable()
	}

	wh := float64(tt.bytes) / bytesPerGB * s.config.TransmissionKWhPerGB * whPerKWh

	power, ok := s.data.PowerProfile(ctx, s.config.ServerProfile)
	if ok {
		wh += tt.waitMs / msPerHour * power.Watts
	} else {
		s.logger.Warn("server power profile unavailable, counting transfer only", logger.WithProfile(s.config.ServerProfile))
	}

	report := s.convert(wh, intensity)
	report.Stale = report.Stale || power.Stale

	return report
}

func (s *Service) unavailable() protocol.EmissionReport {
	report := s.zeroReport()
	report.Unavailable = true
	return report
}

// FinalReport builds the close-of-session report. Device and network estimates
// are computed concurrently.
func (s *Service) FinalReport(ctx context.Context) protocol.FinalReport {
	var report protocol.FinalReport
	report.AggregatedCPUUsage.Payload = s.ComputeTabStatistics()

	var g errgroup.Group
	g.Go(func() error {
		report.CO2Emissions.Payload.Device = s.EstimateDeviceEmissions(ctx)
		return nil
	})
	g.Go(func() error {
		report.CO2Emissions.Payload.Network = s.EstimateNetworkEmissions(ctx)
		return nil
	})
	_ = g.Wait()

	return report
}

// Reset drops every tab.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tabs = make(map[types.TabID]*TabTelemetry)
}

func (s *Service) TabCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tabs)
}
