package types

// Version is the canonical project version.
// The CLI, the HTTP API and the bundle encoding share this version.
const Version = "0.3.0"

// BundleFormat tags the canonical bundle encoding. Changing the encoding
// changes every content id, so the tag is versioned separately.
const BundleFormat = "cairn/bundle/v1"

// SigningDomain tags the canonical intention signing message.
const SigningDomain = "cairn/intention/v1"
