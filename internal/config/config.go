package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

type ServerConfig struct {
	Port uint16 `env:"PORT" envDefault:"3000"`

	CacheTTL     time.Duration `env:"CACHE_TTL"     envDefault:"30m"`
	FetchTimeout time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s"`

	CarbonIntensityURL string `env:"CARBON_INTENSITY_URL" envDefault:"https://api.carbonintensity.org.uk"`
	BoaviztaURL        string `env:"BOAVIZTA_URL"         envDefault:"https://api.boavizta.org"`

	DevicePowerProfile string  `env:"DEVICE_POWER_PROFILE" envDefault:"t3.medium"`
	ServerPowerProfile string  `env:"SERVER_POWER_PROFILE" envDefault:"m5.large"`
	UsageLocation      string  `env:"USAGE_LOCATION"       envDefault:"GBR"`
	TimeWorkload       float64 `env:"TIME_WORKLOAD"        envDefault:"50"`

	TransmissionKWhPerGB float64 `env:"TRANSMISSION_KWH_PER_GB" envDefault:"0.06"`
	// EmissionScale multiplies Wh x gCO2/kWh; 1 reports milligrams of CO2.
	EmissionScale float64 `env:"EMISSION_SCALE" envDefault:"1"`

	Debug       bool `env:"DEBUG"`
	Development bool `env:"DEVELOPMENT"`
}

type AgentConfig struct {
	ServerURL string `env:"SERVER_URL" envDefault:"http://localhost:3000"`
	ClientID  string `env:"CLIENT_ID"`

	SpikeThreshold float64       `env:"SPIKE_THRESHOLD" envDefault:"0"`
	SampleInterval time.Duration `env:"SAMPLE_INTERVAL" envDefault:"1s"`

	TabRetryAttempts int           `env:"TAB_RETRY_ATTEMPTS" envDefault:"5"`
	TabRetryDelay    time.Duration `env:"TAB_RETRY_DELAY"    envDefault:"1s"`

	Debug bool `env:"DEBUG"`
}

func ParseServer() (ServerConfig, error) {
	cfg, err := env.ParseAsWithOptions[ServerConfig](env.Options{})
	if err != nil {
		return cfg, fmt.Errorf("parse server config: %w", err)
	}

	if cfg.CacheTTL <= 0 {
		return cfg, fmt.Errorf("CACHE_TTL must be positive, got %s", cfg.CacheTTL)
	}

	return cfg, nil
}

// ParseAgent reads the agent configuration. A missing CLIENT_ID is replaced by a
// random one that lives for the rest of the process.
func ParseAgent() (AgentConfig, error) {
	cfg, err := env.ParseAsWithOptions[AgentConfig](env.Options{})
	if err != nil {
		return cfg, fmt.Errorf("parse agent config: %w", err)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}

	if cfg.SampleInterval <= 0 {
		return cfg, fmt.Errorf("SAMPLE_INTERVAL must be positive, got %s", cfg.SampleInterval)
	}

	return cfg, nil
}
