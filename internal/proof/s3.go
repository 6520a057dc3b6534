package proof

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the AWS S3 client used by the verifier. It enables mocking in tests.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Verifier requires proofs to be objects under <folder>/<challengeID>/ in one bucket.
type S3Verifier struct {
	s3     S3API
	bucket string
}

// NewS3Verifier loads AWS config from the environment and returns a verifier for bucket.
func NewS3Verifier(ctx context.Context, bucket string) (*S3Verifier, error) {
	if bucket == "" {
		return nil, errors.New("proof: bucket name is required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("can't load AWS config from environment: %w", err)
	}
	return &S3Verifier{s3: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// NewS3VerifierWithClient returns a verifier over an existing client.
func NewS3VerifierWithClient(client S3API, bucket string) *S3Verifier {
	return &S3Verifier{s3: client, bucket: bucket}
}

// Verify accepts s3://bucket/key or a bare key, checks the folder, and HEADs the object.
func (v *S3Verifier) Verify(ctx context.Context, folder Folder, challengeID, ref string) (string, error) {
	key, err := v.key(ref)
	if err != nil {
		return "", err
	}
	prefix := string(folder) + "/" + challengeID + "/"
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: object must live under %s", ErrInvalidRef, prefix)
	}
	if _, err := v.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(v.bucket), Key: aws.String(key)}); err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrMissing, key)
		}
		return "", fmt.Errorf("can't head s3 object %q: %w", key, err)
	}
	return "s3://" + v.bucket + "/" + key, nil
}

func (v *S3Verifier) key(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidRef)
	}
	if !strings.Contains(ref, "://") {
		return strings.TrimPrefix(ref, "/"), nil
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" {
		return "", fmt.Errorf("%w: %q is not an s3 reference", ErrInvalidRef, ref)
	}
	if u.Host != v.bucket {
		return "", fmt.Errorf("%w: bucket %q is not the proof bucket", ErrInvalidRef, u.Host)
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}
