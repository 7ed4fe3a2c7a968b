// Package params assembles the named parameter set handed to the
// provisioning script. A set is built fresh for every run and discarded
// once the invocation returns; secret values are redacted from every
// string or log rendering.
package params

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Parameter names bound by the provisioning script.
const (
	ServicePrincipal         = "servicePrincipal"
	ServicePrincipalSecret   = "servicePrincipalSecret"
	ServicePrincipalTenantID = "servicePrincipalTenantId"
	AzureSubscriptionName    = "azureSubscriptionName"
	AdminPassword            = "adminPassword"
	ResourceGroupName        = "resourceGroupName"
	ResourceGroupNameRegion  = "resourceGroupNameRegion"
	ServerName               = "serverName"
	Image                    = "image"
	AdminLogin               = "adminLogin"
)

// Secret store keys backing the five confidential parameters.
const (
	KeyServicePrincipalAppID    = "SERVICE_PRINCIPAL_APPID"
	KeyServicePrincipalSecret   = "SERVICE_PRINCIPAL_SECRET"
	KeyServicePrincipalTenantID = "SERVICE_PRINCIPAL_TENANTID"
	KeyAzureSubscriptionID      = "AZURE_SUBSCRIPTION_ID"
	KeyAdminPassword            = "ADMIN_PASSWORD"
)

// SecretKeys maps each confidential parameter name to its secret store key,
// in invocation order.
var SecretKeys = []struct {
	Param string
	Key   string
}{
	{ServicePrincipal, KeyServicePrincipalAppID},
	{ServicePrincipalSecret, KeyServicePrincipalSecret},
	{ServicePrincipalTenantID, KeyServicePrincipalTenantID},
	{AzureSubscriptionName, KeyAzureSubscriptionID},
	{AdminPassword, KeyAdminPassword},
}

// Literals holds the five public deployment parameters.
type Literals struct {
	ResourceGroupName string `yaml:"resourceGroupName"`
	Region            string `yaml:"resourceGroupNameRegion"`
	ServerName        string `yaml:"serverName"`
	Image             string `yaml:"image"`
	AdminLogin        string `yaml:"adminLogin"`
}

// DefaultLiterals returns the stock deployment constants.
func DefaultLiterals() Literals {
	return Literals{
		ResourceGroupName: "RhodriGpu",
		Region:            "uksouth",
		ServerName:        "githubactions",
		Image:             "gpuImage",
		AdminLogin:        "rhodri",
	}
}

// Merge overlays non-empty fields of other onto l.
func (l Literals) Merge(other Literals) Literals {
	if other.ResourceGroupName != "" {
		l.ResourceGroupName = other.ResourceGroupName
	}
	if other.Region != "" {
		l.Region = other.Region
	}
	if other.ServerName != "" {
		l.ServerName = other.ServerName
	}
	if other.Image != "" {
		l.Image = other.Image
	}
	if other.AdminLogin != "" {
		l.AdminLogin = other.AdminLogin
	}
	return l
}

// Param is a single named parameter.
type Param struct {
	Name   string
	Value  string
	Secret bool
}

// Set is the ordered ten-parameter set: the five confidential parameters
// first, then the five literals.
type Set struct {
	params []Param
}

// New builds a Set from resolved secret values and the literal parameters.
// A secret key absent from secrets yields an empty value; the parameter is
// still included so the script receives all ten names.
func New(secrets map[string]string, lit Literals) Set {
	ps := make([]Param, 0, 10)
	for _, sk := range SecretKeys {
		ps = append(ps, Param{Name: sk.Param, Value: secrets[sk.Key], Secret: true})
	}
	ps = append(ps,
		Param{Name: ResourceGroupName, Value: lit.ResourceGroupName},
		Param{Name: ResourceGroupNameRegion, Value: lit.Region},
		Param{Name: ServerName, Value: lit.ServerName},
		Param{Name: Image, Value: lit.Image},
		Param{Name: AdminLogin, Value: lit.AdminLogin},
	)
	return Set{params: ps}
}

// Params returns the parameters in invocation order.
func (s Set) Params() []Param {
	out := make([]Param, len(s.params))
	copy(out, s.params)
	return out
}

// Args renders the set as pwsh named-argument pairs: -name value.
func (s Set) Args() []string {
	args := make([]string, 0, len(s.params)*2)
	for _, p := range s.params {
		args = append(args, "-"+p.Name, p.Value)
	}
	return args
}

// Get returns the value of a named parameter.
func (s Set) Get(name string) (string, bool) {
	for _, p := range s.params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// MissingSecrets returns the names of confidential parameters that resolved
// to an empty value.
func (s Set) MissingSecrets() []string {
	var missing []string
	for _, p := range s.params {
		if p.Secret && p.Value == "" {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// String renders the set with secret values masked.
func (s Set) String() string {
	var b strings.Builder
	for i, p := range s.params {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "-%s %s", p.Name, redact(p))
	}
	return b.String()
}

// MarshalZerologObject logs the set with secret values masked.
func (s Set) MarshalZerologObject(e *zerolog.Event) {
	for _, p := range s.params {
		e.Str(p.Name, redact(p))
	}
}

func redact(p Param) string {
	if !p.Secret {
		return p.Value
	}
	if p.Value == "" {
		return "(unset)"
	}
	return "***"
}
