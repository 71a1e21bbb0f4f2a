// Command newscrawler extracts articles from candidate news URLs.
package main

import (
	"os"

	"github.com/LocalNewsImpact/newscrawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
