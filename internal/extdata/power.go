package extdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultProvider = "aws"

	// whPerMegajoule converts energy in MJ to watt hours.
	whPerMegajoule = 1e6 / 3600
)

var ErrNoPower = errors.New("power profile response has no usable power value")

// PowerKey identifies one power estimate. Duration is in hours.
type PowerKey struct {
	Profile  string
	Duration float64
}

type PowerEstimate struct {
	Profile     string
	Duration    float64
	Watts       float64
	UseEnergyMJ float64
	Stale       bool
}

type impactValue struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type instanceResponse struct {
	Impacts struct {
		PE struct {
			Unit string      `json:"unit"`
			Use  impactValue `json:"use"`
		} `json:"pe"`
	} `json:"impacts"`
	Verbose struct {
		AvgPower *impactValue `json:"avg_power"`
	} `json:"verbose"`
}

type instanceUsage struct {
	UsageLocation string  `json:"usage_location"`
	TimeWorkload  float64 `json:"time_workload"`
}

type instanceRequest struct {
	Provider     string        `json:"provider"`
	InstanceType string        `json:"instance_type"`
	Usage        instanceUsage `json:"usage"`
}

// PowerClient reads cloud instance power figures from the Boavizta API.
type PowerClient struct {
	baseURL       string
	client        *retryablehttp.Client
	usageLocation string
	timeWorkload  float64
}

func NewPowerClient(baseURL string, client *retryablehttp.Client, usageLocation string, timeWorkload float64) *PowerClient {
	return &PowerClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        client,
		usageLocation: usageLocation,
		timeWorkload:  timeWorkload,
	}
}

// Estimate returns the average electrical power of an instance type. When the
// API omits avg_power, it is derived from the use-phase primary energy.
func (c *PowerClient) Estimate(ctx context.Context, key PowerKey) (PowerEstimate, error) {
	if key.Duration <= 0 {
		key.Duration = 1
	}

	q := url.Values{}
	q.Set("verbose", "true")
	q.Set("duration", strconv.FormatFloat(key.Duration, 'f', -1, 64))
	endpoint := c.baseURL + "/v1/cloud/instance?" + q.Encode()

	body := instanceRequest{
		Provider:     defaultProvider,
		InstanceType: key.Profile,
		Usage: instanceUsage{
			UsageLocation: c.usageLocation,
			TimeWorkload:  c.timeWorkload,
		},
	}

	var resp instanceResponse
	if err := doJSON(ctx, c.client, http.MethodPost, endpoint, body, &resp); err != nil {
		return PowerEstimate{}, fmt.Errorf("power profile %s: %w", key.Profile, err)
	}

	estimate := PowerEstimate{
		Profile:     key.Profile,
		Duration:    key.Duration,
		UseEnergyMJ: resp.Impacts.PE.Use.Value,
	}

	switch {
	case resp.Verbose.AvgPower != nil && resp.Verbose.AvgPower.Value > 0:
		estimate.Watts = resp.Verbose.AvgPower.Value
	case estimate.UseEnergyMJ > 0:
		estimate.Watts = estimate.UseEnergyMJ * whPerMegajoule / key.Duration
	default:
		return PowerEstimate{}, fmt.Errorf("power profile %s: %w", key.Profile, ErrNoPower)
	}

	return estimate, nil
}
