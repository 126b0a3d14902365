package extdata

import (
	"context"

	"go.uber.org/zap"

	"github.com/aristosando/tabcarbon/internal/config"
	"github.com/aristosando/tabcarbon/internal/logger"
)

const (
	nationalKey = "national"

	// defaultPowerDuration is the window, in hours, power profiles are requested for.
	defaultPowerDuration = 1
)

// Provider serves carbon intensity and power profiles to every client session
// from one shared cache.
type Provider struct {
	carbon *CarbonClient
	power  *PowerClient

	intensity *Cache[string, CarbonIntensity]
	powers    *Cache[PowerKey, PowerEstimate]

	logger *zap.Logger
}

func NewProvider(cfg config.ServerConfig, logger *zap.Logger) *Provider {
	client := NewHTTPClient(cfg.FetchTimeout, logger)
	cacheConfig := Config{TTL: cfg.CacheTTL, FetchTimeout: cfg.FetchTimeout}

	return &Provider{
		carbon:    NewCarbonClient(cfg.CarbonIntensityURL, client),
		power:     NewPowerClient(cfg.BoaviztaURL, client, cfg.UsageLocation, cfg.TimeWorkload),
		intensity: NewCache[string, CarbonIntensity](cacheConfig),
		powers:    NewCache[PowerKey, PowerEstimate](cacheConfig),
		logger:    logger,
	}
}

// CarbonIntensity returns the national intensity with the regional forecasts.
// It reports false when no value was ever fetched successfully.
func (p *Provider) CarbonIntensity(ctx context.Context) (CarbonIntensity, bool) {
	entry, err := p.intensity.GetOrFetch(ctx, nationalKey, p.fetchIntensity)
	if err != nil {
		if !entry.Stale {
			p.logger.Warn("carbon intensity unavailable", zap.Error(err))
			return CarbonIntensity{}, false
		}
		p.logger.Warn("carbon intensity refresh failed, serving last value", zap.Error(err))
	}

	entry.Value.Stale = entry.Stale

	return entry.Value, true
}

func (p *Provider) fetchIntensity(ctx context.Context, _ string) (CarbonIntensity, error) {
	intensity, err := p.carbon.National(ctx)
	if err != nil {
		return CarbonIntensity{}, err
	}

	regions, err := p.carbon.Regional(ctx)
	if err != nil {
		p.logger.Warn("regional carbon intensity unavailable", zap.Error(err))
		return intensity, nil
	}
	intensity.Regions = regions

	return intensity, nil
}

// PowerProfile returns the average power draw of a named profile.
func (p *Provider) PowerProfile(ctx context.Context, profile string) (PowerEstimate, bool) {
	key := PowerKey{Profile: profile, Duration: defaultPowerDuration}

	entry, err := p.powers.GetOrFetch(ctx, key, p.power.Estimate)
	if err != nil {
		if !entry.Stale {
			p.logger.Warn("power profile unavailable", logger.WithProfile(profile), zap.Error(err))
			return PowerEstimate{}, false
		}
		p.logger.Warn("power profile refresh failed, serving last value", logger.WithProfile(profile), zap.Error(err))
	}

	entry.Value.Stale = entry.Stale

	return entry.Value, true
}

func (p *Provider) Close() {
	p.intensity.Close()
	p.powers.Close()
}
