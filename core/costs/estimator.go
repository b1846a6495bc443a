// Package costs estimates the cloud spend of an iteration from the AWS
// Pricing API. Estimates are informational and feed the iteration summary.
package costs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/rs/zerolog"
)

// The Pricing API is only served from a couple of regions regardless of
// where the fleet runs.
const pricingEndpointRegion = "us-east-1"

// regionLocations maps region codes to the location names the Pricing API
// filters on.
var regionLocations = map[string]string{
	"us-east-1":      "US East (N. Virginia)",
	"us-east-2":      "US East (Ohio)",
	"us-west-1":      "US West (N. California)",
	"us-west-2":      "US West (Oregon)",
	"eu-west-1":      "EU (Ireland)",
	"eu-west-2":      "EU (London)",
	"eu-central-1":   "EU (Frankfurt)",
	"eu-north-1":     "EU (Stockholm)",
	"ap-southeast-1": "Asia Pacific (Singapore)",
	"ap-southeast-2": "Asia Pacific (Sydney)",
	"ap-northeast-1": "Asia Pacific (Tokyo)",
	"ap-south-1":     "Asia Pacific (Mumbai)",
}

// Estimator fetches and caches the on-demand hourly rate for the configured
// instance type.
type Estimator struct {
	client       *pricing.Client
	region       string
	instanceType string
	cacheTTL     time.Duration
	log          zerolog.Logger

	mu        sync.RWMutex
	rate      float64
	fetchedAt time.Time
}

// NewEstimator creates an estimator for one instance type in one region.
func NewEstimator(ctx context.Context, region, instanceType string, log zerolog.Logger) (*Estimator, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(pricingEndpointRegion))
	if err != nil {
		return nil, fmt.Errorf("costs: loading aws config: %w", err)
	}
	return &Estimator{
		client:       pricing.NewFromConfig(cfg),
		region:       region,
		instanceType: instanceType,
		cacheTTL:     15 * time.Minute,
		log:          log.With().Str("component", "costs").Logger(),
	}, nil
}

// EstimateIteration prices a full iteration: jobs instances at the hourly
// on-demand rate, each billed for its wall-time allocation.
func (e *Estimator) EstimateIteration(ctx context.Context, jobs int, wallHours float64) (float64, error) {
	rate, err := e.hourlyRate(ctx)
	if err != nil {
		return 0, err
	}
	return rate * wallHours * float64(jobs), nil
}

func (e *Estimator) hourlyRate(ctx context.Context) (float64, error) {
	e.mu.RLock()
	if !e.fetchedAt.IsZero() && time.Since(e.fetchedAt) < e.cacheTTL {
		rate := e.rate
		e.mu.RUnlock()
		return rate, nil
	}
	e.mu.RUnlock()

	rate, err := e.fetchOnDemandRate(ctx)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.rate = rate
	e.fetchedAt = time.Now()
	e.mu.Unlock()

	e.log.Debug().Str("instance_type", e.instanceType).Float64("usd_per_hour", rate).Msg("refreshed pricing")
	return rate, nil
}

func (e *Estimator) fetchOnDemandRate(ctx context.Context) (float64, error) {
	location, ok := regionLocations[e.region]
	if !ok {
		return 0, fmt.Errorf("costs: no pricing location for region %q", e.region)
	}

	out, err := e.client.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: aws.String("AmazonEC2"),
		MaxResults:  aws.Int32(1),
		Filters: []pricingtypes.Filter{
			termMatch("instanceType", e.instanceType),
			termMatch("location", location),
			termMatch("operatingSystem", "Linux"),
			termMatch("tenancy", "Shared"),
			termMatch("preInstalledSw", "NA"),
			termMatch("capacitystatus", "Used"),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("costs: fetching products: %w", err)
	}
	if len(out.PriceList) == 0 {
		return 0, fmt.Errorf("costs: no pricing for %s in %s", e.instanceType, location)
	}
	return parseOnDemandUSD([]byte(out.PriceList[0]))
}

func termMatch(field, value string) pricingtypes.Filter {
	return pricingtypes.Filter{
		Type:  pricingtypes.FilterTypeTermMatch,
		Field: aws.String(field),
		Value: aws.String(value),
	}
}

// priceDocument covers the slice of the Pricing API response we read: the
// OnDemand terms keyed by opaque SKUs, each with rate dimensions.
type priceDocument struct {
	Terms struct {
		OnDemand map[string]struct {
			PriceDimensions map[string]struct {
				PricePerUnit struct {
					USD string `json:"USD"`
				} `json:"pricePerUnit"`
			} `json:"priceDimensions"`
		} `json:"OnDemand"`
	} `json:"terms"`
}

func parseOnDemandUSD(doc []byte) (float64, error) {
	var parsed priceDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return 0, fmt.Errorf("costs: parsing price document: %w", err)
	}
	for _, term := range parsed.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			usd, err := strconv.ParseFloat(dim.PricePerUnit.USD, 64)
			if err != nil {
				return 0, fmt.Errorf("costs: parsing USD rate %q: %w", dim.PricePerUnit.USD, err)
			}
			if usd > 0 {
				return usd, nil
			}
		}
	}
	return 0, fmt.Errorf("costs: price document has no nonzero on-demand rate")
}
