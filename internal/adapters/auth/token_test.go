package auth

import (
	"testing"

	"github.com/pubvault/pubvault/internal/config"
)

func TestIdentify(t *testing.T) {
	a := NewTokenAuth([]config.UploaderToken{
		{Token: "secret-1", Email: "a@x.io"},
		{Token: "secret-2", Email: "b@x.io"},
	})

	email, ok := a.Identify("secret-1")
	if !ok || email != "a@x.io" {
		t.Errorf("Identify(secret-1) = %q, %v", email, ok)
	}

	if _, ok := a.Identify("wrong"); ok {
		t.Error("expected unknown token to be rejected")
	}
	if _, ok := a.Identify(""); ok {
		t.Error("expected empty token to be rejected")
	}
}
