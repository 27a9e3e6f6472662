// Command migrate applies or rolls back the wallet schema.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/degentalk/dgt-wallet/internal/infra"
)

func main() {
	down := flag.Bool("down", false, "roll back the most recent migration")
	version := flag.Bool("version", false, "print the applied version and exit")
	flag.Parse()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL must be set")
		os.Exit(1)
	}

	if *version {
		v, dirty, err := infra.MigrationVersion(url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "version: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("version %d dirty=%t\n", v, dirty)
		return
	}

	if err := infra.Migrate(url, *down); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Println("migrations applied")
}
