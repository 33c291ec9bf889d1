package credentials

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	appErr "github.com/iac-studio/deployengine/pkg/errors"
	"github.com/iac-studio/deployengine/pkg/logger"
)

// Prober checks a key pair against the cloud before the first attempt.
type Prober interface {
	Probe(ctx context.Context, provider string, kp KeyPair, region string) error
}

// STSProber verifies AWS key pairs with sts:GetCallerIdentity. Other
// providers pass through unchecked.
type STSProber struct {
	// BaseEndpoint overrides the STS endpoint, mainly for tests.
	BaseEndpoint string
}

var _ Prober = (*STSProber)(nil)

func (p *STSProber) Probe(ctx context.Context, provider string, kp KeyPair, region string) error {
	if provider != "aws" {
		return nil
	}
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(awscreds.NewStaticCredentialsProvider(kp.AccessKey, kp.SecretKey, "")),
	)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeCredential, "load aws config")
	}
	client := sts.NewFromConfig(cfg, func(o *sts.Options) {
		if p.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(p.BaseEndpoint)
		}
	})
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeCredential, fmt.Sprintf("aws credentials rejected in %s", region))
	}
	logger.L().Debug("aws credentials verified", zap.String("account", aws.ToString(out.Account)))
	return nil
}

// NopProber accepts every key pair.
type NopProber struct{}

func (NopProber) Probe(context.Context, string, KeyPair, string) error { return nil }
