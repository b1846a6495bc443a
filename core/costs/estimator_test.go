package costs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePriceDocument = `{
  "product": {"attributes": {"instanceType": "c5.18xlarge"}},
  "terms": {
    "OnDemand": {
      "SKU123.JRTCKXETXF": {
        "priceDimensions": {
          "SKU123.JRTCKXETXF.6YS6EN2CT7": {
            "unit": "Hrs",
            "pricePerUnit": {"USD": "3.0600000000"}
          }
        }
      }
    }
  }
}`

func TestParseOnDemandUSD(t *testing.T) {
	usd, err := parseOnDemandUSD([]byte(samplePriceDocument))
	require.NoError(t, err)
	assert.InDelta(t, 3.06, usd, 1e-9)
}

func TestParseOnDemandUSDRejectsZeroRates(t *testing.T) {
	doc := `{"terms": {"OnDemand": {"A": {"priceDimensions": {"B": {"pricePerUnit": {"USD": "0.0000000000"}}}}}}}`
	_, err := parseOnDemandUSD([]byte(doc))
	assert.Error(t, err)
}

func TestParseOnDemandUSDBadDocument(t *testing.T) {
	_, err := parseOnDemandUSD([]byte("not json"))
	assert.Error(t, err)

	_, err = parseOnDemandUSD([]byte(`{"terms": {}}`))
	assert.Error(t, err)
}

func TestRegionLocations(t *testing.T) {
	// Every documented fleet region must resolve to a pricing location.
	for region, location := range regionLocations {
		assert.NotEmpty(t, location, region)
	}
	_, ok := regionLocations["us-east-1"]
	assert.True(t, ok)
}
