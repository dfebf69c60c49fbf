package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "inspect-namespace":
		RunInspectNamespace(args)
	case "unseal-secret":
		RunUnsealSecret(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: go run ./scripts <command> [args...]")
	fmt.Println("")
	fmt.Println("Available commands:")
	fmt.Println("  inspect-namespace <inbox_id>")
	fmt.Println("    Print row counts, settings and tombstones of an inbox's database")
	fmt.Println("    Example: go run ./scripts inspect-namespace 0c225d04...")
	fmt.Println("")
	fmt.Println("  unseal-secret <inbox_id> <secret_name>")
	fmt.Println("    Decrypt one vault secret with the vault passphrase")
	fmt.Println("    Example: go run ./scripts unseal-secret 0c225d04... identity-key:0xabc...")
}
