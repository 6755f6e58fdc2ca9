// Command wfldb is a thin reference CLI over internal/engine, standing in
// for the transport collaborator that spec §1 treats as external. It
// exists so the engine has a runnable entrypoint the way the teacher's
// cmd/ always ships one, not as a production client surface.
package main

import (
	"fmt"
	"os"

	"wfldb/cmd/wfldb/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
