// Package authflow implements the interactive authentication flows:
// SAML federation against an identity provider and the SSO OIDC device
// authorization grant. The browser-driven parts run in whichever process
// can open windows; this package defines the contracts and the URL and
// response handling shared by both sides.
package authflow

import (
	"context"
	"net/url"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/service/ssooidc"

	"github.com/cloudkeep-io/cloudkeep/internal/errdefs"
)

// CloudProvider names the provider an authentication flow targets.
type CloudProvider string

const (
	ProviderAws   CloudProvider = "aws"
	ProviderAzure CloudProvider = "azure"
)

// authenticationURLPatterns matches the login pages of the supported
// identity providers. A navigation hitting one of these means the user
// still has to authenticate interactively.
var authenticationURLPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https://.+\.onelogin\.com/.+`),
	regexp.MustCompile(`^https://.+/adfs/ls/idpinitiatedsignon.+loginToRp=urn:amazon:webservices.*`),
	regexp.MustCompile(`^https://.+\.okta\.com/.+`),
	regexp.MustCompile(`^https://accounts\.google\.com/ServiceLogin.*`),
	regexp.MustCompile(`^https://login\.microsoftonline\.com/.+/oauth2/authorize.*`),
}

// samlAssertionURLPattern matches the federation endpoint that receives
// the SAML assertion once the identity provider is satisfied.
var samlAssertionURLPattern = regexp.MustCompile(`^https://signin\.aws\.amazon\.com/saml(\?.*)?$`)

// IsAuthenticationURL reports whether navigating to url means the user
// must sign in interactively with the given provider.
func IsAuthenticationURL(provider CloudProvider, rawURL string) bool {
	if provider != ProviderAws {
		return false
	}
	for _, p := range authenticationURLPatterns {
		if p.MatchString(rawURL) {
			return true
		}
	}
	return false
}

// IsSamlAssertionURL reports whether url is the federation endpoint
// carrying the signed assertion.
func IsSamlAssertionURL(provider CloudProvider, rawURL string) bool {
	if provider != ProviderAws {
		return false
	}
	return samlAssertionURLPattern.MatchString(rawURL)
}

// ExtractSamlResponse pulls the SAMLResponse value out of a captured
// form post body.
func ExtractSamlResponse(body string) (string, error) {
	values, err := url.ParseQuery(body)
	if err != nil {
		return "", &errdefs.ParseError{
			Component: "saml response",
			Fragment:  body,
			Err:       err,
		}
	}
	resp := values.Get("SAMLResponse")
	if resp == "" {
		return "", &errdefs.ParseError{
			Component: "saml response",
			Fragment:  body,
		}
	}
	return resp, nil
}

// AwsSamlAuthenticator drives a browser window through an identity
// provider's login flow and captures the resulting assertion. The
// in-process implementation lives in the desktop daemon; the CLI reaches
// it over the bridge.
type AwsSamlAuthenticator interface {
	// NeedAuthentication probes the identity provider URL and reports
	// whether an interactive sign-in is required or a cached IdP session
	// will carry the flow straight to the assertion.
	NeedAuthentication(ctx context.Context, idpURL string) (bool, error)

	// AwsSignIn runs the flow against idpURL, interactively when
	// needToAuthenticate is set, and returns the captured SAMLResponse.
	AwsSignIn(ctx context.Context, idpURL string, needToAuthenticate bool) (string, error)
}

// VerificationWindowOpener shows the SSO device-grant verification page
// and reports when the user dismisses it.
type VerificationWindowOpener interface {
	// OpenVerificationWindow presents the verification URI from the
	// device authorization response. onWindowClose fires if the user
	// closes the window before completing the grant.
	OpenVerificationWindow(ctx context.Context, registerClient *ssooidc.RegisterClientOutput, deviceAuth *ssooidc.StartDeviceAuthorizationOutput, onWindowClose func()) error
}
