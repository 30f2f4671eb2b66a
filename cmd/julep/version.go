package main

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
)

// version is stamped by release builds with -ldflags "-X main.version=vX.Y.Z".
var version = "dev"

func init() {
	// Binaries built by "go install module@vX" carry the module version.
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "julep %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
