package main

import (
	"fmt"
	"io"
	"os"

	"github.com/Trustflow-Network-Labs/inbox-node/internal/utils"
	"github.com/Trustflow-Network-Labs/inbox-node/internal/vault"
)

func RunUnsealSecret(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: go run ./scripts unseal-secret <inbox_id> <secret_name>")
		os.Exit(1)
	}
	db := openNamespace(args[0])
	defer db.Close()

	config := utils.NewConfigManager("")
	logger := utils.NewLogsManagerWithWriter(io.Discard, "error")
	v := vault.New(db, vault.PassphraseChain(config, logger), logger)

	plaintext, err := v.Get(args[1])
	if err != nil {
		fmt.Printf("Failed to unseal %s: %v\n", args[1], err)
		os.Exit(1)
	}
	fmt.Println(string(plaintext))
}
