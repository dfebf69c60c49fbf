package main

import "github.com/Trustflow-Network-Labs/inbox-node/internal/cmd"

func main() {
	cmd.Execute()
}
