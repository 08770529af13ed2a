// Command wftest runs declarative workflow test suites.
package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/roach88/wftest/internal/cli"
)

func main() {
	gin.SetMode(gin.ReleaseMode)

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wftest:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
