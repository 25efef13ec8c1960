package cloud

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseExpiryReadsExpClaim(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString([]byte("irrelevant-since-unverified"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := ParseExpiry(signed)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(exp) {
		t.Fatalf("got %v, want %v", got, exp)
	}
}

func TestParseExpiryMissingClaimErrors(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{})
	signed, err := tok.SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseExpiry(signed); err == nil {
		t.Fatal("expected error for missing exp claim")
	}
}

func TestNeedsRefresh(t *testing.T) {
	soon := time.Now().Add(10 * time.Second)
	if !NeedsRefresh(soon, 30*time.Second) {
		t.Fatal("expected refresh needed when lead time overruns expiry")
	}
	far := time.Now().Add(time.Hour)
	if NeedsRefresh(far, 30*time.Second) {
		t.Fatal("expected no refresh needed")
	}
	if NeedsRefresh(time.Time{}, time.Hour) {
		t.Fatal("zero expiry should never require refresh")
	}
}
