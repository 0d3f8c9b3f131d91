// Package ipc implements the synchronization bridge between the CLI and
// the desktop-role process: JSON envelopes exchanged over a gRPC
// bidirectional stream bound to a unix socket. The desktop process owns
// the browser; the CLI proxies its interactive steps through here.
package ipc

import "encoding/json"

// Bridge method names. The table is fixed; an unknown method makes the
// server terminate the stream instead of responding.
const (
	MethodIsDesktopAppRunning    = "isDesktopAppRunning"
	MethodNeedAuthentication     = "needAuthentication"
	MethodAwsSignIn              = "awsSignIn"
	MethodOpenVerificationWindow = "openVerificationWindow"
	MethodRefreshIntegrations    = "refreshIntegrations"
	MethodRefreshSessions        = "refreshSessions"
)

// CallbackWindowClose is the out-of-band event emitted when the user
// dismisses the verification window before completing the grant.
const CallbackWindowClose = "onWindowClose"

// RegisterClientInfo is the wire shape of an OIDC client registration.
type RegisterClientInfo struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// DeviceAuthInfo is the wire shape of a device authorization response.
type DeviceAuthInfo struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int32  `json:"expiresIn"`
	Interval                int32  `json:"interval"`
}

// Envelope is a bridge request: the method name plus whichever payload
// fields the method uses.
type Envelope struct {
	Method string `json:"method"`

	// needAuthentication / awsSignIn
	IdpURL             string `json:"idpUrl,omitempty"`
	NeedToAuthenticate bool   `json:"needToAuthenticate,omitempty"`

	// openVerificationWindow
	RegisterClientResponse *RegisterClientInfo `json:"registerClientResponse,omitempty"`
	DeviceAuthResponse     *DeviceAuthInfo     `json:"startDeviceAuthorizationResponse,omitempty"`
	WindowModality         string              `json:"windowModality,omitempty"`
}

// Response is a bridge reply: a result or an error for the request in
// flight, or an out-of-band callback event.
type Response struct {
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CallbackID string          `json:"callbackId,omitempty"`
}

func resultResponse(v any) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{Error: "encoding result: " + err.Error()}
	}
	return Response{Result: raw}
}

// emptyResponse acknowledges methods that return no payload.
func emptyResponse() Response { return Response{} }
