package hsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/slipstreamlabs/slipstream/internal/config"
)

// kmsSignAPI is the slice of the KMS client the driver uses.
type kmsSignAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// awsKMS signs through AWS KMS. The key lives in KMS; each signature is
// one remote Sign call authorized by the ambient AWS credentials.
type awsKMS struct {
	client  kmsSignAPI
	keyID   string
	timeout time.Duration
}

func newAWSKMS(ctx context.Context, cfg config.HSMConfig, timeout time.Duration) (*awsKMS, error) {
	if cfg.AWSKeyID == "" {
		return nil, fmt.Errorf("aws_kms requires HSM_AWS_KEY_ID")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, &Error{Kind: ErrKindConnection, Provider: "aws_kms", Err: fmt.Errorf("loading AWS config: %w", err)}
	}

	return &awsKMS{
		client:  kms.NewFromConfig(awsCfg),
		keyID:   cfg.AWSKeyID,
		timeout: timeout,
	}, nil
}

func (a *awsKMS) Provider() string { return "aws_kms" }

func (a *awsKMS) KeyID() string { return a.keyID }

func (a *awsKMS) Sign(ctx context.Context, message []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(a.keyID),
		Message:          message,
		MessageType:      types.MessageTypeRaw,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, &Error{Kind: classifyAWSError(err), Provider: "aws_kms", Err: err}
	}
	if len(out.Signature) == 0 {
		return nil, &Error{Kind: ErrKindSigning, Provider: "aws_kms", Err: errors.New("empty signature in response")}
	}
	return out.Signature, nil
}

// classifyAWSError treats anything that came back with an API error code
// as a signing refusal; errors without a code never reached the service.
func classifyAWSError(err error) ErrorKind {
	var apiErr interface {
		ErrorCode() string
		ErrorMessage() string
	}
	if errors.As(err, &apiErr) {
		return ErrKindSigning
	}
	return ErrKindConnection
}
