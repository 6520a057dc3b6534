package escrow

import (
	"errors"
	"testing"
)

func TestVerifyAuthorized(t *testing.T) {
	testCases := []struct {
		name    string
		hold    *Hold
		amount  int64
		wantErr error
	}{
		{"ok", &Hold{Status: HoldAuthorized, Amount: 5000, Currency: "usd"}, 5000, nil},
		{"nil", nil, 5000, ErrHoldNotFound},
		{"needs confirmation", &Hold{Status: HoldRequiresAction, Amount: 5000}, 5000, ErrHoldState},
		{"captured", &Hold{Status: HoldCaptured, Amount: 5000}, 5000, ErrHoldState},
		{"amount mismatch", &Hold{Status: HoldAuthorized, Amount: 4999}, 5000, ErrHoldState},
		{"currency mismatch", &Hold{Status: HoldAuthorized, Amount: 5000, Currency: "eur"}, 5000, ErrHoldState},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyAuthorized(tc.hold, tc.amount, "usd")
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}
