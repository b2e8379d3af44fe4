// The main package for the video-scraper executable.
package main

import (
	"github.com/zpx01/video-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
