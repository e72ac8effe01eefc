// Package auth implements the client authentication methods banks accept at
// their OAuth2 endpoints. The protocol client applies one method to every
// authenticated call; client_secret_basic is the default and the only method
// that needs no extra configuration.
package auth

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// MethodInput carries the client identity for one authenticated call.
type MethodInput struct {
	ClientID     string
	ClientSecret string
	// Audience is the value assertion-based methods bind the credential to,
	// conventionally the bank's token endpoint.
	Audience string
}

// Method applies client authentication to an outbound form post, either by
// setting headers or by adding form fields before the body is written.
type Method interface {
	Name() string
	Apply(header http.Header, form url.Values, in MethodInput) error
}

// ClientSecretBasic authenticates with an HTTP Basic Authorization header,
// RFC 6749 section 2.3.1. An empty secret is allowed: some sandboxes issue
// public-style registrations that still expect the header.
type ClientSecretBasic struct{}

func (ClientSecretBasic) Name() string { return "client_secret_basic" }

func (ClientSecretBasic) Apply(header http.Header, _ url.Values, in MethodInput) error {
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return fmt.Errorf("auth: client id is required")
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(clientID + ":" + in.ClientSecret))
	header.Set("Authorization", "Basic "+credentials)
	return nil
}

// ClientSecretPost sends the credentials in the form body. Weaker than the
// header form, but a handful of banks accept nothing else.
type ClientSecretPost struct{}

func (ClientSecretPost) Name() string { return "client_secret_post" }

func (ClientSecretPost) Apply(_ http.Header, form url.Values, in MethodInput) error {
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return fmt.Errorf("auth: client id is required")
	}
	form.Set("client_id", clientID)
	form.Set("client_secret", in.ClientSecret)
	return nil
}
