package aggregation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/extdata"
	"github.com/aristosando/tabcarbon/internal/types"
)

type fakeData struct {
	intensity   extdata.CarbonIntensity
	noIntensity bool
	watts       map[string]float64
	calls       atomic.Int32
}

func (f *fakeData) CarbonIntensity(context.Context) (extdata.CarbonIntensity, bool) {
	f.calls.Add(1)
	if f.noIntensity {
		return extdata.CarbonIntensity{}, false
	}
	return f.intensity, true
}

func (f *fakeData) PowerProfile(_ context.Context, profile string) (extdata.PowerEstimate, bool) {
	f.calls.Add(1)
	w, ok := f.watts[profile]
	return extdata.PowerEstimate{Profile: profile, Watts: w}, ok
}

func newFakeData() *fakeData {
	actual := 200.0
	return &fakeData{
		intensity: extdata.CarbonIntensity{
			Forecast: 180,
			Actual:   &actual,
			Regions:  map[string]float64{"London": 250, "North Scotland": 20},
		},
		watts: map[string]float64{"device": 10, "server": 100},
	}
}

func newService(data ExternalData) *Service {
	return New(data, Config{
		DeviceProfile:        "device",
		ServerProfile:        "server",
		TransmissionKWhPerGB: 0.06,
		EmissionScale:        1,
	}, zap.NewNop())
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{4}, 4},
		{"odd", []float64{3, 1, 2}, 2},
		{"even averages central pair", []float64{4, 1, 3, 2}, 2.5},
		{"duplicates", []float64{5, 5, 1, 9}, 5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Median(tc.values), 1e-9)
		})
	}
}

func TestMedian_DoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 2}
	Median(values)
	assert.Equal(t, []float64{3, 1, 2}, values)
}

func TestMeanStdDev(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 5.0, Mean(values), 1e-9)
	assert.InDelta(t, 2.0, StdDev(values), 1e-9)
	assert.Zero(t, StdDev(nil))
}

func TestService_TabStatistics(t *testing.T) {
	s := newService(newFakeData())
	now := time.Now()
	info := types.TabInfo{TabID: "T1", Title: "news"}

	for i, v := range []float64{1e9, 3e9, 2e9} {
		s.RecordCPUSample(info, types.CPUSample{CPUUsageDelta: v, Timestamp: now.Add(time.Duration(i) * time.Second)})
	}

	s.RecordNetworkEntry("T1", types.NetworkEntry{
		RequestSize: 100, ResponseSize: 900, MimeType: "text/html",
		Timings: types.Timings{Send: 1, Wait: 10, Receive: 9, Total: 20},
	})
	s.RecordNetworkEntry("T1", types.NetworkEntry{
		RequestSize: 100, ResponseSize: 400, MimeType: "image/png",
		Timings: types.Timings{Send: 1, Wait: 20, Receive: 9, Total: 30},
	})
	s.RecordNetworkEntry("T1", types.NetworkEntry{
		RequestSize: 50, ResponseSize: 50, MimeType: "image/png",
		Timings: types.Timings{Wait: 0},
	})

	stats := s.ComputeTabStatistics()
	require.Contains(t, stats, types.TabID("T1"))
	st := stats["T1"]

	assert.Equal(t, "news", st.Title)
	assert.InDelta(t, 2e9, st.Median, 1)
	assert.InDelta(t, 2e9, st.Mean, 1)
	assert.InDelta(t, 1e9, st.Min, 1)
	assert.InDelta(t, 3e9, st.Max, 1)
	assert.LessOrEqual(t, st.Min, st.Median)
	assert.GreaterOrEqual(t, st.Max, st.Median)
	assert.Equal(t, 3, st.SampleCount)
	assert.InDelta(t, 6e9, st.TotalCPUTime, 1)

	assert.Equal(t, 3, st.RequestCount)
	assert.Equal(t, int64(250), st.TotalRequestBytes)
	assert.Equal(t, int64(1350), st.TotalResponseBytes)
	assert.InDelta(t, 30.0, st.TotalWaitTime, 1e-9)
	assert.InDelta(t, 50.0, st.TotalTime, 1e-9)
	assert.InDelta(t, 50.0/3, st.AvgTimePerRequest, 1e-9)
	assert.InDelta(t, 1600.0/50, st.BytesPerMs, 1e-9)
	assert.Equal(t, "image/png", st.DominantMimeType)
}

func TestService_TabWithoutSamplesIsExcluded(t *testing.T) {
	s := newService(newFakeData())
	s.RecordNetworkEntry("net-only", types.NetworkEntry{RequestSize: 1})

	assert.Empty(t, s.ComputeTabStatistics())
	assert.Equal(t, 1, s.TabCount())
}

func TestService_DominantMimeTypeTie(t *testing.T) {
	s := newService(newFakeData())
	s.RecordCPUSample(types.TabInfo{TabID: "T"}, types.CPUSample{CPUUsageDelta: 1})
	s.RecordNetworkEntry("T", types.NetworkEntry{MimeType: "text/html"})
	s.RecordNetworkEntry("T", types.NetworkEntry{MimeType: "application/json"})

	assert.Equal(t, "application/json", s.ComputeTabStatistics()["T"].DominantMimeType)
}

func TestService_TimestampsNeverDecrease(t *testing.T) {
	s := newService(newFakeData())
	now := time.Now()
	info := types.TabInfo{TabID: "T"}

	s.RecordCPUSample(info, types.CPUSample{CPUUsageDelta: 1, Timestamp: now})
	s.RecordCPUSample(info, types.CPUSample{CPUUsageDelta: 1, Timestamp: now.Add(-time.Second)})

	samples := s.tabs["T"].CPUSamples
	assert.False(t, samples[1].Timestamp.Before(samples[0].Timestamp))
}

func TestService_DeviceEmissions(t *testing.T) {
	s := newService(newFakeData())
	for _, v := range []float64{1e9, 2e9, 3e9} {
		s.RecordCPUSample(types.TabInfo{TabID: "T1"}, types.CPUSample{CPUUsageDelta: v})
	}

	// 6e9 ns = 1/600 h; at 10 W that is 1/60 Wh.
	wh := 6e9 / 3.6e12 * 10

	report := s.EstimateDeviceEmissions(context.Background())
	assert.InDelta(t, wh*200, report.Actual, 1e-9)
	assert.InDelta(t, wh*250, report.PerRegion["London"], 1e-9)
	assert.InDelta(t, wh*20, report.PerRegion["North Scotland"], 1e-9)
	assert.Equal(t, "mgCO2", report.Unit)
	assert.False(t, report.Unavailable)

	again := s.EstimateDeviceEmissions(context.Background())
	assert.Equal(t, report, again)

	s.Reset()
	zero := s.EstimateDeviceEmissions(context.Background())
	assert.Zero(t, zero.Actual)
	assert.Empty(t, zero.PerRegion)
	assert.False(t, zero.Unavailable)
}

func TestService_DeviceEmissionsUsesForecastWithoutActual(t *testing.T) {
	data := newFakeData()
	data.intensity.Actual = nil
	s := newService(data)
	s.RecordCPUSample(types.TabInfo{TabID: "T1"}, types.CPUSample{CPUUsageDelta: 3.6e12})

	report := s.EstimateDeviceEmissions(context.Background())
	assert.InDelta(t, 10*180.0, report.Actual, 1e-9)
}

func TestService_NetworkEmissions(t *testing.T) {
	s := newService(newFakeData())
	s.RecordNetworkEntry("T1", types.NetworkEntry{
		RequestSize: 0, ResponseSize: 1e9,
		Timings: types.Timings{Wait: 36000},
	})

	// 1 GB at 0.06 kWh/GB = 60 Wh; 36 s of waiting at 100 W = 1 Wh.
	report := s.EstimateNetworkEmissions(context.Background())
	assert.InDelta(t, 61*200.0, report.Actual, 1e-6)
	assert.InDelta(t, 61*20.0, report.PerRegion["North Scotland"], 1e-6)
}

func TestService_NetworkEmissionsWithoutServerProfile(t *testing.T) {
	data := newFakeData()
	delete(data.watts, "server")
	s := newService(data)
	s.RecordNetworkEntry("T1", types.NetworkEntry{ResponseSize: 1e9, Timings: types.Timings{Wait: 36000}})

	report := s.EstimateNetworkEmissions(context.Background())
	assert.InDelta(t, 60*200.0, report.Actual, 1e-6)
	assert.False(t, report.Unavailable)
}

func TestService_EmissionsUnavailable(t *testing.T) {
	data := newFakeData()
	data.noIntensity = true
	s := newService(data)
	s.RecordCPUSample(types.TabInfo{TabID: "T1"}, types.CPUSample{CPUUsageDelta: 1e9})
	s.RecordNetworkEntry("T1", types.NetworkEntry{ResponseSize: 10})

	device := s.EstimateDeviceEmissions(context.Background())
	assert.True(t, device.Unavailable)
	assert.Zero(t, device.Actual)

	network := s.EstimateNetworkEmissions(context.Background())
	assert.True(t, network.Unavailable)
}

func TestService_EmptySessionSkipsExternalData(t *testing.T) {
	data := newFakeData()
	s := newService(data)

	report := s.FinalReport(context.Background())
	assert.Empty(t, report.AggregatedCPUUsage.Payload)
	assert.Zero(t, report.CO2Emissions.Payload.Device.Actual)
	assert.Zero(t, report.CO2Emissions.Payload.Network.Actual)
	assert.Zero(t, data.calls.Load())
}

func TestService_FinalReport(t *testing.T) {
	s := newService(newFakeData())
	for _, v := range []float64{1e9, 2e9, 3e9} {
		s.RecordCPUSample(types.TabInfo{TabID: "T1"}, types.CPUSample{CPUUsageDelta: v})
	}

	report := s.FinalReport(context.Background())
	require.Contains(t, report.AggregatedCPUUsage.Payload, types.TabID("T1"))
	assert.InDelta(t, 2e9, report.AggregatedCPUUsage.Payload["T1"].Median, 1)
	assert.InDelta(t, 6e9/3.6e12*10*200, report.CO2Emissions.Payload.Device.Actual, 1e-9)
	assert.Zero(t, report.CO2Emissions.Payload.Network.Actual)
}
