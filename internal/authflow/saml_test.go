package authflow

import (
	"errors"
	"testing"

	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

func TestIsAuthenticationURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://acme.onelogin.com/trust/saml2", true},
		{"https://sts.example.com/adfs/ls/idpinitiatedsignon.aspx?loginToRp=urn:amazon:webservices", true},
		{"https://acme.okta.com/app/amazon_aws/abc/sso/saml", true},
		{"https://accounts.google.com/ServiceLogin?service=shell", true},
		{"https://login.microsoftonline.com/tenant-id/oauth2/authorize?client_id=x", true},
		{"http://acme.okta.com/app/login", false},
		{"https://signin.aws.amazon.com/saml", false},
		{"https://example.com/", false},
	}
	for _, tc := range cases {
		if got := IsAuthenticationURL(ProviderAws, tc.url); got != tc.want {
			t.Errorf("IsAuthenticationURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestIsSamlAssertionURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://signin.aws.amazon.com/saml", true},
		{"https://signin.aws.amazon.com/saml?RelayState=abc", true},
		{"http://signin.aws.amazon.com/saml", false},
		{"https://signin.aws.amazon.com/samlmetadata", false},
		{"https://acme.okta.com/app/sso/saml", false},
	}
	for _, tc := range cases {
		if got := IsSamlAssertionURL(ProviderAws, tc.url); got != tc.want {
			t.Errorf("IsSamlAssertionURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestOtherProviderNeverMatches(t *testing.T) {
	if IsAuthenticationURL(ProviderAzure, "https://acme.okta.com/app/login") {
		t.Error("azure provider matched an aws login url")
	}
	if IsSamlAssertionURL(ProviderAzure, "https://signin.aws.amazon.com/saml") {
		t.Error("azure provider matched the aws assertion url")
	}
}

func TestExtractSamlResponse(t *testing.T) {
	got, err := ExtractSamlResponse("SAMLResponse=ABC123&RelayState=xyz")
	if err != nil {
		t.Fatalf("ExtractSamlResponse: %v", err)
	}
	if got != "ABC123" {
		t.Errorf("ExtractSamlResponse = %q, want %q", got, "ABC123")
	}
}

func TestExtractSamlResponseMissing(t *testing.T) {
	_, err := ExtractSamlResponse("RelayState=xyz")
	var perr *errdefs.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestExtractSamlResponseMalformed(t *testing.T) {
	_, err := ExtractSamlResponse("a=%zz")
	var perr *errdefs.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}
