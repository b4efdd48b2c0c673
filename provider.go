package cloak

// SecretProvider is an external source of secret material, typically a vault
// or a configuration service. The rotation manager uses it as the default
// refresh source for secrets registered without their own refresh function.
type SecretProvider interface {
	// LoadSecret returns the current obfuscated secret for name, or nil when
	// the provider does not know the name. An error or a nil secret surfaces
	// as a failed refresh, never as a panic or a partial update.
	LoadSecret(name string) (*Secret, error)
}
