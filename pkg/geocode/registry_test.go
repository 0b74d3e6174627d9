package geocode

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderConfig_WithDefaults(t *testing.T) {
	c := ProviderConfig{Kind: " Census "}.WithDefaults()
	assert.Equal(t, "census", c.Kind)
	assert.Equal(t, "census", c.Name)
	assert.Equal(t, OneLine, c.Fields)
	assert.Equal(t, 1.0, c.RPS)
	assert.Equal(t, 1, c.Workers)
	assert.Equal(t, 1, c.BatchSize)
	assert.Equal(t, 2*time.Second, c.BatchFlush)
	assert.Equal(t, 30*time.Second, c.Timeout)
}

func TestProviderConfig_Validate(t *testing.T) {
	assert.Error(t, ProviderConfig{Name: "x", Fields: OneLine}.Validate())
	assert.Error(t, ProviderConfig{Kind: "census", Fields: "csv"}.Validate())
	assert.Error(t, ProviderConfig{Kind: "census", Fields: OneLine, DailyCap: -1}.Validate())
	assert.NoError(t, ProviderConfig{Kind: "census", Fields: Structured}.Validate())
	assert.Error(t, ProviderConfig{Kind: "census", Fields: OneLine, RPS: 0.5}.Validate())
	assert.NoError(t, ProviderConfig{Kind: "census", Fields: OneLine, RPS: 1.5}.Validate())
}

func TestRegistry_BuildEachKind(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r := NewRegistry()
	assert.Equal(t, []string{"arcgis", "census", "google", "nominatim", "tiger"}, r.Kinds())

	deps := Deps{HTTPClient: http.DefaultClient, Pool: mock}
	for _, cfg := range []ProviderConfig{
		{Kind: "census"},
		{Kind: "nominatim", Name: "osm"},
		{Kind: "arcgis"},
		{Kind: "google", APIKey: "k"},
		{Kind: "tiger"},
	} {
		p, err := r.Build(cfg, deps)
		require.NoError(t, err, cfg.Kind)
		assert.Equal(t, cfg.WithDefaults().Name, p.Name())
	}

	p, err := r.Build(ProviderConfig{Kind: "census"}, deps)
	require.NoError(t, err)
	_, isBatch := p.(BatchProvider)
	assert.True(t, isBatch)
}

func TestRegistry_Errors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(ProviderConfig{Kind: "mapquest"}, Deps{})
	assert.ErrorContains(t, err, "unknown kind")

	_, err = r.Build(ProviderConfig{Kind: "tiger"}, Deps{})
	assert.ErrorContains(t, err, "needs a database pool")

	_, err = r.Build(ProviderConfig{Kind: "google"}, Deps{})
	assert.ErrorContains(t, err, "api key")
}

type stubProvider struct{ name string }

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Geocode(context.Context, Query) ([]Candidate, error) {
	return nil, nil
}

func TestRegistry_RegisterCustom(t *testing.T) {
	r := NewRegistry()
	r.Register("Stub", func(cfg ProviderConfig, _ Deps) (Provider, error) {
		return stubProvider{name: cfg.Name}, nil
	})
	p, err := r.Build(ProviderConfig{Kind: "stub", Name: "s1"}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, "s1", p.Name())
}
