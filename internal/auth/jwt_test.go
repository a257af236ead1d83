package auth

import (
	"testing"
	"time"
)

func TestIssueParseRoundTrip(t *testing.T) {
	pair, err := Issue("s1", RoleStudent, "campus-attendance", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := Parse(pair.AccessToken, "secret", "campus-attendance")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "s1" || claims.Role != RoleStudent {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejectsWrongKeyAndIssuer(t *testing.T) {
	pair, _ := Issue("s1", RoleAdmin, "campus-attendance", "secret", time.Minute, time.Hour)

	if _, err := Parse(pair.AccessToken, "other-secret", "campus-attendance"); err == nil {
		t.Error("wrong key must fail")
	}
	if _, err := Parse(pair.AccessToken, "secret", "someone-else"); err == nil {
		t.Error("wrong issuer must fail")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	pair, _ := Issue("s1", RoleStudent, "campus-attendance", "secret", -time.Minute, time.Hour)
	if _, err := Parse(pair.AccessToken, "secret", "campus-attendance"); err == nil {
		t.Error("expired token must fail")
	}
}
