// Package version holds the application version string.
package version

// Version is stamped at build time:
//
//	go build -ldflags "-X github.com/aristath/tradelib/internal/version.Version=v1.2.3"
var Version = "dev"
