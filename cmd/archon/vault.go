package main

import (
	"fmt"
	"os"

	"github.com/mtzanidakis/archon/internal/config"
	"github.com/mtzanidakis/archon/internal/store"
	"github.com/mtzanidakis/archon/internal/vault"
)

func runVault(args []string) error {
	if len(args) == 0 {
		printVaultUsage()
		return nil
	}

	passphrase := os.Getenv("ARCHON_VAULT_PASSPHRASE")
	if passphrase == "" {
		return fmt.Errorf("ARCHON_VAULT_PASSPHRASE environment variable is required")
	}

	v := vault.New(passphrase)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "list":
		return vaultList(db)
	case "set":
		return vaultSet(db, v, args[1:])
	case "get":
		return vaultGet(db, v, args[1:])
	case "delete":
		return vaultDelete(db, args[1:])
	default:
		printVaultUsage()
		return fmt.Errorf("unknown vault command: %s", args[0])
	}
}

func printVaultUsage() {
	fmt.Fprintf(os.Stderr, `Usage: archon vault <command>

Commands:
  list                  List secret names
  set <name> <value>    Store an encrypted secret
  get <name>            Retrieve and decrypt a secret
  delete <name>         Delete a secret

Environment:
  ARCHON_VAULT_PASSPHRASE   Required. Encryption passphrase.
`)
}

func vaultList(db *store.Store) error {
	names, err := db.ListSecretNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func vaultSet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: archon vault set <name> <value>")
	}

	ciphertext, nonce, err := v.Encrypt([]byte(args[1]))
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	sec := &store.Secret{
		Name:  args[0],
		Value: ciphertext,
		Nonce: nonce,
	}
	if err := db.SaveSecret(sec); err != nil {
		return err
	}
	fmt.Printf("Secret %q saved\n", args[0])
	return nil
}

func vaultGet(db *store.Store, v *vault.Vault, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: archon vault get <name>")
	}

	sec, err := db.GetSecret(args[0])
	if err != nil {
		return err
	}
	if sec == nil {
		return fmt.Errorf("secret %q not found", args[0])
	}

	plaintext, err := v.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("decrypt: %w", err)
	}

	fmt.Print(string(plaintext))
	if len(plaintext) > 0 && plaintext[len(plaintext)-1] != '\n' {
		fmt.Println()
	}
	return nil
}

func vaultDelete(db *store.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: archon vault delete <name>")
	}
	if err := db.DeleteSecret(args[0]); err != nil {
		return err
	}
	fmt.Printf("Secret %q deleted\n", args[0])
	return nil
}
