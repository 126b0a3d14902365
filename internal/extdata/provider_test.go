package extdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/config"
)

const (
	nationalBody = `{"data":[{"from":"2024-05-01T10:00Z","to":"2024-05-01T10:30Z","intensity":{"forecast":180,"actual":175,"index":"moderate"}}]}`
	regionalBody = `{"data":[{"regionid":1,"from":"2024-05-01T10:00Z","to":"2024-05-01T10:30Z","regions":[` +
		`{"regionid":1,"dnoregion":"Scottish Hydro Electric Power Distribution","shortname":"North Scotland","intensity":{"forecast":20,"index":"very low"}},` +
		`{"regionid":13,"dnoregion":"UKPN London","shortname":"London","intensity":{"forecast":210,"index":"high"}}]}]}`
)

type fakeUpstream struct {
	national atomic.Int32
	power    atomic.Int32
	failAll  atomic.Bool

	mu       sync.Mutex
	lastBody instanceRequest
	lastURL  string
}

func (f *fakeUpstream) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /intensity", func(w http.ResponseWriter, _ *http.Request) {
		f.national.Add(1)
		if f.failAll.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(nationalBody))
	})
	mux.HandleFunc("GET /regional", func(w http.ResponseWriter, _ *http.Request) {
		if f.failAll.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(regionalBody))
	})
	mux.HandleFunc("POST /v1/cloud/instance", func(w http.ResponseWriter, r *http.Request) {
		f.power.Add(1)
		if f.failAll.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.lastURL = r.URL.String()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastBody))
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"impacts":{"pe":{"unit":"MJ","use":{"value":0.5}}},"verbose":{"avg_power":{"value":12.5,"unit":"W"}}}`))
	})
	return mux
}

func newTestProvider(t *testing.T, ttl time.Duration) (*Provider, *fakeUpstream) {
	t.Helper()

	upstream := &fakeUpstream{}
	server := httptest.NewServer(upstream.handler(t))
	t.Cleanup(server.Close)

	p := NewProvider(config.ServerConfig{
		CacheTTL:           ttl,
		FetchTimeout:       time.Second,
		CarbonIntensityURL: server.URL,
		BoaviztaURL:        server.URL,
		UsageLocation:      "GBR",
		TimeWorkload:       50,
	}, zap.NewNop())
	t.Cleanup(p.Close)

	return p, upstream
}

func TestProvider_CarbonIntensity(t *testing.T) {
	p, upstream := newTestProvider(t, time.Minute)

	ci, ok := p.CarbonIntensity(context.Background())
	require.True(t, ok)
	require.NotNil(t, ci.Actual)
	assert.InDelta(t, 175.0, *ci.Actual, 0.001)
	assert.InDelta(t, 175.0, ci.Current(), 0.001)
	assert.InDelta(t, 180.0, ci.Forecast, 0.001)
	assert.Equal(t, "moderate", ci.Index)
	assert.Equal(t, map[string]float64{"North Scotland": 20, "London": 210}, ci.Regions)
	assert.False(t, ci.Stale)

	_, ok = p.CarbonIntensity(context.Background())
	require.True(t, ok)
	assert.Equal(t, int32(1), upstream.national.Load(), "second read is served from cache")
}

func TestProvider_CarbonIntensityUnavailable(t *testing.T) {
	p, upstream := newTestProvider(t, time.Minute)
	upstream.failAll.Store(true)

	_, ok := p.CarbonIntensity(context.Background())
	assert.False(t, ok)
}

func TestProvider_CarbonIntensityStale(t *testing.T) {
	p, upstream := newTestProvider(t, 50*time.Millisecond)

	_, ok := p.CarbonIntensity(context.Background())
	require.True(t, ok)

	upstream.failAll.Store(true)
	time.Sleep(120 * time.Millisecond)

	ci, ok := p.CarbonIntensity(context.Background())
	require.True(t, ok)
	assert.True(t, ci.Stale)
	assert.InDelta(t, 180.0, ci.Forecast, 0.001)
}

func TestProvider_PowerProfile(t *testing.T) {
	p, upstream := newTestProvider(t, time.Minute)

	est, ok := p.PowerProfile(context.Background(), "t3.medium")
	require.True(t, ok)
	assert.InDelta(t, 12.5, est.Watts, 0.001)
	assert.InDelta(t, 0.5, est.UseEnergyMJ, 0.001)
	assert.Equal(t, "t3.medium", est.Profile)

	upstream.mu.Lock()
	assert.Equal(t, "aws", upstream.lastBody.Provider)
	assert.Equal(t, "t3.medium", upstream.lastBody.InstanceType)
	assert.Equal(t, "GBR", upstream.lastBody.Usage.UsageLocation)
	assert.Contains(t, upstream.lastURL, "verbose=true")
	assert.Contains(t, upstream.lastURL, "duration=1")
	upstream.mu.Unlock()

	_, ok = p.PowerProfile(context.Background(), "t3.medium")
	require.True(t, ok)
	assert.Equal(t, int32(1), upstream.power.Load())

	_, ok = p.PowerProfile(context.Background(), "m5.large")
	require.True(t, ok)
	assert.Equal(t, int32(2), upstream.power.Load(), "profiles are cached per key")
}

func TestPowerClient_DerivesWattsFromEnergy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"impacts":{"pe":{"unit":"MJ","use":{"value":0.036}}},"verbose":{}}`))
	}))
	defer server.Close()

	c := NewPowerClient(server.URL, NewHTTPClient(time.Second, zap.NewNop()), "GBR", 50)

	est, err := c.Estimate(context.Background(), PowerKey{Profile: "x", Duration: 1})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, est.Watts, 0.001)
}

func TestPowerClient_NoPower(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := NewPowerClient(server.URL, NewHTTPClient(time.Second, zap.NewNop()), "GBR", 50)

	_, err := c.Estimate(context.Background(), PowerKey{Profile: "x"})
	require.ErrorIs(t, err, ErrNoPower)
}
