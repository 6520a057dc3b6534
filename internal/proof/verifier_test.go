package proof

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// mockS3 is an in-memory mock of HeadObject.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string]bool
	heads   int
	err     error
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads++
	if m.err != nil {
		return nil, m.err
	}
	if !m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3Verifier(t *testing.T) {
	m := &mockS3{objects: map[string]bool{"bucket/proofs/c1/run.jpg": true}}
	v := NewS3VerifierWithClient(m, "bucket")
	ctx := context.Background()

	testCases := []struct {
		name    string
		ref     string
		want    string
		wantErr error
	}{
		{"s3 url", "s3://bucket/proofs/c1/run.jpg", "s3://bucket/proofs/c1/run.jpg", nil},
		{"bare key", "/proofs/c1/run.jpg", "s3://bucket/proofs/c1/run.jpg", nil},
		{"missing object", "proofs/c1/other.jpg", "", ErrMissing},
		{"other challenge", "proofs/c2/run.jpg", "", ErrInvalidRef},
		{"folder only", "proofs/c1/", "", ErrInvalidRef},
		{"traversal", "proofs/c1/../c2/run.jpg", "", ErrInvalidRef},
		{"other bucket", "s3://elsewhere/proofs/c1/run.jpg", "", ErrInvalidRef},
		{"https url", "https://example.com/proofs/c1/run.jpg", "", ErrInvalidRef},
		{"empty", "  ", "", ErrInvalidRef},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := v.Verify(ctx, FolderProofs, "c1", tc.ref)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got != tc.want {
				t.Errorf("Verify = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestS3Verifier_BackendError(t *testing.T) {
	m := &mockS3{err: fmt.Errorf("throttled")}
	v := NewS3VerifierWithClient(m, "bucket")
	_, err := v.Verify(context.Background(), FolderProgress, "c1", "progress/c1/a.png")
	if err == nil || errors.Is(err, ErrMissing) || errors.Is(err, ErrInvalidRef) {
		t.Errorf("err = %v, want a storage error", err)
	}
}

func TestURLVerifier(t *testing.T) {
	v := URLVerifier{}
	for _, ok := range []string{"https://cdn.example.com/p.jpg", " s3://b/k ", "http://x/y"} {
		if _, err := v.Verify(context.Background(), FolderProofs, "c1", ok); err != nil {
			t.Errorf("Verify(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "not a url", "ftp://x/y", "/relative/path"} {
		if _, err := v.Verify(context.Background(), FolderProofs, "c1", bad); !errors.Is(err, ErrInvalidRef) {
			t.Errorf("Verify(%q) err = %v, want ErrInvalidRef", bad, err)
		}
	}
}

func TestNewS3Verifier_RequiresBucket(t *testing.T) {
	if _, err := NewS3Verifier(context.Background(), ""); err == nil {
		t.Fatal("empty bucket should fail")
	}
}
