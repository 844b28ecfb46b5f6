package config

// Version is injected at build time via ldflags and is reported in the
// origin User-Agent and the status endpoint.
//
// Build with:
//
//	go build -ldflags "-X 'github.com/arcmirror/arcmirror/internal/config.Version=1.2.3'"
var Version = "0.0.1-dev"
