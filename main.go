// notegraph indexes a vault of markdown notes and papers into a knowledge
// graph of crosslinks, parent links, citations and manual edges, and serves
// graph queries over it.
package main

import (
	"fmt"
	"os"

	"github.com/Benny93/notegraph/cmd"
)

func main() {
	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
