package observability

// Version is stamped by the build; the default marks dev builds.
var Version = "0.0.0-dev"
