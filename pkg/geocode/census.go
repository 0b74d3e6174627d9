package geocode

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

const (
	censusBaseURL      = "https://geocoding.geo.census.gov/geocoder"
	censusBenchmark    = "Public_AR_Current"
	censusMaxBatchSize = 10000
)

// Census is the US Census Bureau geocoder. It has no key and supports batch
// CSV uploads of up to 10,000 addresses.
type Census struct {
	name      string
	baseURL   string
	benchmark string
	fields    FieldMode
	maxBatch  int
	limit     int
	hc        *http.Client
}

// NewCensus returns a Census provider.
func NewCensus(cfg ProviderConfig, hc *http.Client) *Census {
	c := &Census{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		benchmark: cfg.Benchmark,
		fields:    cfg.Fields,
		maxBatch:  cfg.BatchSize,
		limit:     cfg.MaxCandidates,
		hc:        hc,
	}
	if c.name == "" {
		c.name = "census"
	}
	if c.baseURL == "" {
		c.baseURL = censusBaseURL
	}
	if c.benchmark == "" {
		c.benchmark = censusBenchmark
	}
	if c.maxBatch <= 0 || c.maxBatch > censusMaxBatchSize {
		c.maxBatch = censusMaxBatchSize
	}
	return c
}

// Name implements Provider.
func (c *Census) Name() string { return c.name }

// MaxBatch implements BatchProvider.
func (c *Census) MaxBatch() int { return c.maxBatch }

type censusResponse struct {
	Result struct {
		AddressMatches []struct {
			Coordinates struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
			} `json:"coordinates"`
			MatchedAddress string `json:"matchedAddress"`
		} `json:"addressMatches"`
	} `json:"result"`
}

// Geocode implements Provider.
func (c *Census) Geocode(ctx context.Context, q Query) ([]Candidate, error) {
	params := url.Values{"benchmark": {c.benchmark}, "format": {"json"}}
	endpoint := "/locations/onelineaddress"
	if c.fields == Structured {
		endpoint = "/locations/address"
		params.Set("street", q.Street)
		params.Set("city", q.City)
		params.Set("state", q.State)
		params.Set("zip", q.Zip)
	} else {
		params.Set("address", q.Line())
	}

	var resp censusResponse
	if err := getJSON(ctx, c.hc, c.name, c.baseURL+endpoint+"?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(resp.Result.AddressMatches))
	for _, m := range resp.Result.AddressMatches {
		out = append(out, Candidate{
			Latitude:  m.Coordinates.Y,
			Longitude: m.Coordinates.X,
			Quality:   "range",
			Matched:   m.MatchedAddress,
		})
	}
	return truncate(out, limitOf(q, c.limit)), nil
}

// BatchGeocode implements BatchProvider. The batch endpoint returns at most
// one match per address.
func (c *Census) BatchGeocode(ctx context.Context, qs []Query) ([][]Candidate, error) {
	out := make([][]Candidate, len(qs))
	if len(qs) == 0 {
		return out, nil
	}
	if len(qs) > c.maxBatch {
		return nil, eris.Errorf("geocode: %s batch of %d exceeds %d", c.name, len(qs), c.maxBatch)
	}

	var upload bytes.Buffer
	w := csv.NewWriter(&upload)
	for i, q := range qs {
		if err := w.Write([]string{strconv.Itoa(i), q.Street, q.City, q.State, q.Zip}); err != nil {
			return nil, eris.Wrapf(err, "geocode: %s batch encode", c.name)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, eris.Wrapf(err, "geocode: %s batch encode", c.name)
	}

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	if err := mw.WriteField("benchmark", c.benchmark); err != nil {
		return nil, eris.Wrapf(err, "geocode: %s batch form", c.name)
	}
	part, err := mw.CreateFormFile("addressFile", "addresses.csv")
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: %s batch form", c.name)
	}
	if _, err := part.Write(upload.Bytes()); err != nil {
		return nil, eris.Wrapf(err, "geocode: %s batch form", c.name)
	}
	if err := mw.Close(); err != nil {
		return nil, eris.Wrapf(err, "geocode: %s batch form", c.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/locations/addressbatch", &form)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: %s batch build request", c.name)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: %s batch request", c.name)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "geocode: %s batch read body", c.name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(c.name, resp.StatusCode, body)
	}
	if err := parseCensusBatch(body, out); err != nil {
		return nil, eris.Wrapf(err, "geocode: %s batch parse", c.name)
	}
	return out, nil
}

// parseCensusBatch fills out from the batch CSV:
// id, input address, Match|No_Match|Tie, Exact|Non_Exact, matched address, "lon,lat", tiger id, side.
func parseCensusBatch(body []byte, out [][]Candidate) error {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(rec) < 6 || !strings.EqualFold(strings.TrimSpace(rec[2]), "Match") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil || idx < 0 || idx >= len(out) {
			continue
		}
		lonS, latS, ok := strings.Cut(rec[5], ",")
		if !ok {
			continue
		}
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(latS), 64)
		if errLon != nil || errLat != nil {
			continue
		}
		quality := "range"
		if strings.EqualFold(strings.TrimSpace(rec[3]), "Exact") {
			quality = "rooftop"
		}
		out[idx] = []Candidate{{Latitude: lat, Longitude: lon, Quality: quality, Matched: rec[4]}}
	}
}
