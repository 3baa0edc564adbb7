package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-v" || os.Args[1] == "--version") {
		fmt.Printf("vault-core version %s\n", version)
		fmt.Println("Merkle commitment, one-time-key vault and sweep planning primitives")
		return
	}

	fmt.Println("Vault Core")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("This is a library of commitment-tree, one-time-key vault, script-tree")
	fmt.Println("descriptor and sweep-planning primitives.")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  Import the library: import \"github.com/SashaZezulinsky/vault-core\"")
	fmt.Println("  See README.md for API documentation and examples")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -v, --version    Show version information")
	fmt.Println("  -h, --help       Show this help message")
}
