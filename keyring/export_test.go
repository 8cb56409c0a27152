package keyring

// WrapWithPasswordParams exposes wrapWithPasswordParams to tests, which use
// cheaper KDF parameters than the defaults.
var WrapWithPasswordParams = wrapWithPasswordParams
