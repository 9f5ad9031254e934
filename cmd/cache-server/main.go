// Command cache-server runs a federated Nix binary-artifact cache node.
package main

import (
	"context"
	"log"
	"os"

	"github.com/mifka01/cache-server/cmd"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	if err := cmd.New().Run(context.Background(), os.Args); err != nil {
		log.Printf("error running cache-server: %s", err)

		return 1
	}

	return 0
}
