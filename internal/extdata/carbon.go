package extdata

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

var ErrNoIntensity = errors.New("carbon intensity response has no data")

// CarbonIntensity is the grid intensity in gCO2/kWh for the current half hour.
// Regions maps a region short name to its forecast intensity.
type CarbonIntensity struct {
	From     string
	To       string
	Forecast float64
	Actual   *float64
	Index    string
	Regions  map[string]float64
	Stale    bool
}

// Current is the measured intensity when the grid operator published one, and
// the forecast otherwise.
func (c CarbonIntensity) Current() float64 {
	if c.Actual != nil {
		return *c.Actual
	}
	return c.Forecast
}

type intensityValue struct {
	Forecast float64  `json:"forecast"`
	Actual   *float64 `json:"actual"`
	Index    string   `json:"index"`
}

type nationalResponse struct {
	Data []struct {
		From      string         `json:"from"`
		To        string         `json:"to"`
		Intensity intensityValue `json:"intensity"`
	} `json:"data"`
}

type regionalResponse struct {
	Data []struct {
		From    string `json:"from"`
		To      string `json:"to"`
		Regions []struct {
			RegionID  int            `json:"regionid"`
			DNORegion string         `json:"dnoregion"`
			ShortName string         `json:"shortname"`
			Intensity intensityValue `json:"intensity"`
		} `json:"regions"`
	} `json:"data"`
}

// CarbonClient reads the GB carbon intensity API.
type CarbonClient struct {
	baseURL string
	client  *retryablehttp.Client
}

func NewCarbonClient(baseURL string, client *retryablehttp.Client) *CarbonClient {
	return &CarbonClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// National returns the national intensity. Regions is left empty.
func (c *CarbonClient) National(ctx context.Context) (CarbonIntensity, error) {
	var resp nationalResponse
	if err := doJSON(ctx, c.client, http.MethodGet, c.baseURL+"/intensity", nil, &resp); err != nil {
		return CarbonIntensity{}, err
	}
	if len(resp.Data) == 0 {
		return CarbonIntensity{}, ErrNoIntensity
	}

	d := resp.Data[0]

	return CarbonIntensity{
		From:     d.From,
		To:       d.To,
		Forecast: d.Intensity.Forecast,
		Actual:   d.Intensity.Actual,
		Index:    d.Intensity.Index,
	}, nil
}

// Regional returns the forecast intensity of every region, by short name.
func (c *CarbonClient) Regional(ctx context.Context) (map[string]float64, error) {
	var resp regionalResponse
	if err := doJSON(ctx, c.client, http.MethodGet, c.baseURL+"/regional", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, ErrNoIntensity
	}

	regions := make(map[string]float64, len(resp.Data[0].Regions))
	for _, r := range resp.Data[0].Regions {
		if r.ShortName == "" {
			continue
		}
		regions[r.ShortName] = r.Intensity.Forecast
	}

	return regions, nil
}
