// The main package for the crypko-downloader executable.
package main

import (
	"os"

	"github.com/JakeFAU/crypko-downloader/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
