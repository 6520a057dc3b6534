package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNewReport_Kind(t *testing.T) {
	now := time.Now().UTC()
	testCases := []struct {
		name                  string
		text, media, external string
		want                  Kind
	}{
		{"text only", "ran 3k", "", "", KindText},
		{"media", "pic", "s3://proofs/a.jpg", "", KindMedia},
		{"link wins", "", "s3://proofs/a.jpg", "https://strava.com/x", KindLink},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := NewReport("r1", "c1", "alice", tc.text, tc.media, tc.external, now)
			if err != nil {
				t.Fatalf("NewReport: %v", err)
			}
			if r.Kind != tc.want {
				t.Errorf("Kind = %q, want %q", r.Kind, tc.want)
			}
		})
	}
}

func TestNewReport_Empty(t *testing.T) {
	if _, err := NewReport("r1", "c1", "alice", "  ", "", " ", time.Now()); !errors.Is(err, ErrEmptyReport) {
		t.Errorf("err = %v, want ErrEmptyReport", err)
	}
}
