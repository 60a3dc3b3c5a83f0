package main

import (
	"bytes"
	_ "embed"
	"io"
)

//go:generate go build -o embedded/sidebundle-launcher ../sidebundle-launcher

// embeddedLauncherBytes is the compiled cmd/sidebundle-launcher binary,
// embedded so a bundle's bin/.sidebundle-launcher needs no separate install
// step. Run `go generate ./...` after changing cmd/sidebundle-launcher to
// refresh embedded/sidebundle-launcher before building this command.
//go:embed embedded/sidebundle-launcher
var embeddedLauncherBytes []byte

func embeddedLauncher() (io.Reader, error) {
	return bytes.NewReader(embeddedLauncherBytes), nil
}
