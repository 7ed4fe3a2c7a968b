package params

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSecrets() map[string]string {
	return map[string]string{
		KeyServicePrincipalAppID:    "app-id",
		KeyServicePrincipalSecret:   "sp-secret",
		KeyServicePrincipalTenantID: "tenant-id",
		KeyAzureSubscriptionID:      "sub-name",
		KeyAdminPassword:            "hunter2",
	}
}

func TestNew_OrderAndValues(t *testing.T) {
	set := New(allSecrets(), DefaultLiterals())

	ps := set.Params()
	assert.Len(t, ps, 10)

	wantNames := []string{
		ServicePrincipal,
		ServicePrincipalSecret,
		ServicePrincipalTenantID,
		AzureSubscriptionName,
		AdminPassword,
		ResourceGroupName,
		ResourceGroupNameRegion,
		ServerName,
		Image,
		AdminLogin,
	}
	for i, p := range ps {
		assert.Equal(t, wantNames[i], p.Name)
	}

	// Secrets pass through unchanged
	v, ok := set.Get(AdminPassword)
	assert.True(t, ok)
	assert.Equal(t, "hunter2", v)

	// Literal defaults match the stock constants
	for name, want := range map[string]string{
		ResourceGroupName:       "RhodriGpu",
		ResourceGroupNameRegion: "uksouth",
		ServerName:              "githubactions",
		Image:                   "gpuImage",
		AdminLogin:              "rhodri",
	} {
		v, ok := set.Get(name)
		assert.True(t, ok)
		assert.Equal(t, want, v)
	}
}

func TestNew_MissingSecretYieldsEmptyValue(t *testing.T) {
	secrets := allSecrets()
	delete(secrets, KeyAdminPassword)

	set := New(secrets, DefaultLiterals())

	// The parameter is still present with an empty value
	v, ok := set.Get(AdminPassword)
	assert.True(t, ok)
	assert.Equal(t, "", v)

	assert.Equal(t, []string{AdminPassword}, set.MissingSecrets())

	// Args still carry all ten name/value pairs
	args := set.Args()
	assert.Len(t, args, 20)
}

func TestArgs_NamedPairs(t *testing.T) {
	set := New(allSecrets(), DefaultLiterals())

	args := set.Args()
	assert.Len(t, args, 20)
	assert.Equal(t, "-servicePrincipal", args[0])
	assert.Equal(t, "app-id", args[1])
	assert.Equal(t, "-adminLogin", args[18])
	assert.Equal(t, "rhodri", args[19])
}

func TestString_RedactsSecrets(t *testing.T) {
	secrets := allSecrets()
	delete(secrets, KeyServicePrincipalSecret)

	set := New(secrets, DefaultLiterals())
	s := set.String()

	for _, v := range []string{"app-id", "tenant-id", "sub-name", "hunter2"} {
		assert.NotContains(t, s, v)
	}
	assert.Contains(t, s, "***")
	assert.Contains(t, s, fmt.Sprintf("-%s (unset)", ServicePrincipalSecret))
	assert.Contains(t, s, "RhodriGpu")
	assert.Contains(t, s, "uksouth")
}

func TestMerge(t *testing.T) {
	lit := DefaultLiterals().Merge(Literals{ServerName: "gpu-02", Image: "customImage"})

	assert.Equal(t, "RhodriGpu", lit.ResourceGroupName)
	assert.Equal(t, "uksouth", lit.Region)
	assert.Equal(t, "gpu-02", lit.ServerName)
	assert.Equal(t, "customImage", lit.Image)
	assert.Equal(t, "rhodri", lit.AdminLogin)
}

func TestIdempotentAssembly(t *testing.T) {
	// Two assemblies from identical inputs are identical; nothing is retained
	// between them.
	a := New(allSecrets(), DefaultLiterals())
	b := New(allSecrets(), DefaultLiterals())

	assert.Equal(t, a.Params(), b.Params())
	assert.Equal(t, strings.Join(a.Args(), " "), strings.Join(b.Args(), " "))
}
