package models

// ProviderKind names an upstream model family.
type ProviderKind string

const (
	ProviderModerated    ProviderKind = "moderated"
	ProviderPermissive   ProviderKind = "permissive"
	ProviderUnrestricted ProviderKind = "unrestricted"
	// ProviderSimulated answers from canned replies only.
	ProviderSimulated ProviderKind = "simulated"
)
