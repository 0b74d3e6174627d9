package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/partd-geo/internal/resilience"
)

const arcgisBaseURL = "https://geocode.arcgis.com/arcgis/rest/services/World/GeocodeServer"

// ArcGIS is the Esri World geocoding service (findAddressCandidates).
type ArcGIS struct {
	name    string
	baseURL string
	token   string
	fields  FieldMode
	limit   int
	hc      *http.Client
}

// NewArcGIS returns an ArcGIS provider. The API key is sent as token.
func NewArcGIS(cfg ProviderConfig, hc *http.Client) *ArcGIS {
	a := &ArcGIS{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.APIKey,
		fields:  cfg.Fields,
		limit:   cfg.MaxCandidates,
		hc:      hc,
	}
	if a.name == "" {
		a.name = "arcgis"
	}
	if a.baseURL == "" {
		a.baseURL = arcgisBaseURL
	}
	return a
}

// Name implements Provider.
func (a *ArcGIS) Name() string { return a.name }

type arcgisResponse struct {
	Candidates []struct {
		Address  string `json:"address"`
		Location struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"location"`
		Score      float64 `json:"score"`
		Attributes struct {
			AddrType string `json:"Addr_type"`
		} `json:"attributes"`
	} `json:"candidates"`
	// Errors arrive with HTTP 200.
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Geocode implements Provider.
func (a *ArcGIS) Geocode(ctx context.Context, q Query) ([]Candidate, error) {
	params := url.Values{
		"f":             {"json"},
		"sourceCountry": {"USA"},
		"outFields":     {"Addr_type"},
		"maxLocations":  {strconv.Itoa(limitOf(q, a.limit))},
	}
	if a.token != "" {
		params.Set("token", a.token)
	}
	if a.fields == Structured {
		params.Set("Address", q.Street)
		params.Set("City", q.City)
		params.Set("Region", q.State)
		params.Set("Postal", q.Zip)
	} else {
		params.Set("SingleLine", q.Line())
	}

	var resp arcgisResponse
	if err := getJSON(ctx, a.hc, a.name, a.baseURL+"/findAddressCandidates?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, arcgisError(a.name, resp.Error.Code, resp.Error.Message)
	}

	out := make([]Candidate, 0, len(resp.Candidates))
	for _, c := range resp.Candidates {
		out = append(out, Candidate{
			Latitude:  c.Location.Y,
			Longitude: c.Location.X,
			Score:     c.Score,
			Quality:   c.Attributes.AddrType,
			Matched:   c.Address,
		})
	}
	return out, nil
}

func arcgisError(provider string, code int, msg string) error {
	base := eris.Errorf("geocode: %s error %d: %s", provider, code, msg)
	switch code {
	case 401, 403, 498, 499: // 498 invalid token, 499 token required
		return &AuthError{Provider: provider, StatusCode: code, Err: base}
	}
	if resilience.IsTransientHTTPStatus(code) {
		return resilience.NewTransientError(base, code)
	}
	return base
}
