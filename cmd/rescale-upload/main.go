// rescale-upload - resumable chunked uploads to object storage
//
// Build with version information:
//
//	go build -ldflags "-X github.com/rescale/rescale-upload/internal/version.Version=v1.0.0 \
//	  -X github.com/rescale/rescale-upload/internal/version.BuildTime=$(date -u +%Y-%m-%d)"
package main

import (
	"os"

	"github.com/rescale/rescale-upload/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
