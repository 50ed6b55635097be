package pricing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"spotqueue/model"
)

const productLinux = "Linux/UNIX"

// AWSFetcher fetches spot prices from the EC2 API using the mounted
// AWS credentials.
type AWSFetcher struct {
	cfg aws.Config
}

func NewAWSFetcher(ctx context.Context) (*AWSFetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &AWSFetcher{cfg: cfg}, nil
}

func (f *AWSFetcher) Regions(ctx context.Context) ([]string, error) {
	client := ec2.NewFromConfig(f.cfg)
	out, err := client.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, err
	}
	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		regions = append(regions, aws.ToString(r.RegionName))
	}
	sort.Strings(regions)
	return regions, nil
}

// SpotPrice returns the cheapest current observation for the instance
// type in the region, taking the newest data point per availability
// zone first.
func (f *AWSFetcher) SpotPrice(ctx context.Context, instanceType, region string) (*model.PriceObservation, error) {
	client := ec2.NewFromConfig(f.cfg, func(o *ec2.Options) {
		o.Region = region
	})

	out, err := client.DescribeSpotPriceHistory(ctx, &ec2.DescribeSpotPriceHistoryInput{
		InstanceTypes:       []ec2types.InstanceType{ec2types.InstanceType(instanceType)},
		ProductDescriptions: []string{productLinux},
		StartTime:           aws.Time(time.Now().Add(-time.Hour)),
	})
	if err != nil {
		return nil, err
	}

	newestByZone := make(map[string]ec2types.SpotPrice)
	for _, p := range out.SpotPriceHistory {
		zone := aws.ToString(p.AvailabilityZone)
		if prev, ok := newestByZone[zone]; !ok || aws.ToTime(p.Timestamp).After(aws.ToTime(prev.Timestamp)) {
			newestByZone[zone] = p
		}
	}

	var best *model.PriceObservation
	for zone, p := range newestByZone {
		price, err := strconv.ParseFloat(aws.ToString(p.SpotPrice), 64)
		if err != nil {
			continue
		}
		if best == nil || price < best.Price {
			best = &model.PriceObservation{
				InstanceType:     instanceType,
				Region:           region,
				AvailabilityZone: zone,
				Price:            price,
				Timestamp:        aws.ToTime(p.Timestamp),
				Source:           "aws",
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no spot price history for %s in %s", instanceType, region)
	}
	return best, nil
}
