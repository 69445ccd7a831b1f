package version

// Value is stamped at build time via -ldflags.
var Value = "dev"
