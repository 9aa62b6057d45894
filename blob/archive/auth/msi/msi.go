// Package msi authenticates the archive backend to Azure Blob Storage using
// Managed Service Identity, so peerd can run with no credential on disk.
package msi

import (
	"fmt"
	"log"
	"time"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/Azure/go-autorest/autorest/adal"
)

const defaultResc = "https://storage.azure.com/"

// AuthMethod selects which managed identity Token() authenticates as.
type AuthMethod interface {
	authMethod()
	defaults() AuthMethod
}

// SystemAssigned authenticates as the host's system-assigned identity.
type SystemAssigned struct {
	// Resource defaults to "https://storage.azure.com/" if unset.
	Resource string
}

func (s SystemAssigned) defaults() AuthMethod {
	if s.Resource == "" {
		s.Resource = defaultResc
	}
	return s
}

func (s SystemAssigned) authMethod() {}

// AppID authenticates as a user-assigned identity named by application ID.
type AppID struct {
	ID       string
	Resource string
}

func (a AppID) defaults() AuthMethod {
	if a.Resource == "" {
		a.Resource = defaultResc
	}
	return a
}

func (a AppID) authMethod() {}

// ResourceID authenticates as a user-assigned identity named by Azure
// resource ID.
type ResourceID struct {
	ID       string
	Resource string
}

func (r ResourceID) defaults() AuthMethod {
	if r.Resource == "" {
		r.Resource = defaultResc
	}
	return r
}

func (r ResourceID) authMethod() {}

// Token fetches a self-refreshing azblob.TokenCredential for authMethod.
func Token(authMethod AuthMethod) (*azblob.TokenCredential, error) {
	if authMethod == nil {
		return nil, fmt.Errorf("msi.Token() cannot have a nil authMethod")
	}
	authMethod = authMethod.defaults()

	return getOAuthToken(authMethod)
}

func getOAuthToken(authMethod AuthMethod) (*azblob.TokenCredential, error) {
	spt, err := fetchMSIToken(authMethod)
	if err != nil {
		log.Fatal(err)
	}

	err = spt.Refresh()
	if err != nil {
		log.Fatal(err)
	}

	tc := azblob.NewTokenCredential(spt.Token().AccessToken, func(tc azblob.TokenCredential) time.Duration {
		err := spt.Refresh()
		if err != nil {
			return 0
		}
		tc.SetToken(spt.Token().AccessToken)
		return time.Until(spt.Token().Expires()) - 10*time.Second
	})

	return &tc, nil
}

var callbacks = []adal.TokenRefreshCallback{func(token adal.Token) error { return nil }}

func fetchMSIToken(authMethod AuthMethod) (*adal.ServicePrincipalToken, error) {
	msiEndpoint, _ := adal.GetMSIVMEndpoint()

	var spt *adal.ServicePrincipalToken
	var err error

	switch auth := authMethod.(type) {
	case SystemAssigned:
		spt, err = adal.NewServicePrincipalTokenFromMSI(msiEndpoint, auth.Resource, callbacks...)
	case AppID:
		spt, err = adal.NewServicePrincipalTokenFromMSIWithUserAssignedID(msiEndpoint, auth.Resource, auth.ID, callbacks...)
	case ResourceID:
		spt, err = adal.NewServicePrincipalTokenFromMSIWithIdentityResourceID(msiEndpoint, auth.Resource, auth.ID, callbacks...)
	default:
		return nil, fmt.Errorf("bug: fetchMSIToken() had unknown authMethod(%T) which wasn't supported", authMethod)
	}

	if err != nil {
		return nil, err
	}

	return spt, spt.Refresh()
}
