package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"ai-coordinator/internal/signature"
)

const (
	keyFileMode     = 0o600
	keyDirMode      = 0o700
	tempFilePattern = ".node-*.toml.tmp"
)

// keyFile is a config fragment: it can be passed to --config as is.
type keyFile struct {
	Node keyFileNode `toml:"node"`
}

type keyFileNode struct {
	Address    string `toml:"address"`
	PrivateKey string `toml:"private_key"`
}

func newKeygenCmd() *cobra.Command {
	var (
		out   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a node wallet",
		Long:  "keygen creates a secp256k1 wallet and writes it as a TOML config fragment. Use --out - to print it instead.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := signature.GenerateWallet()
			if err != nil {
				return err
			}
			data, err := toml.Marshal(keyFile{Node: keyFileNode{Address: w.Address(), PrivateKey: w.PrivateKeyHex()}})
			if err != nil {
				return fmt.Errorf("encode key file: %w", err)
			}
			if out == "-" {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := writeKeyFile(out, data, force); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), w.Address())
			return err
		},
	}
	cmd.Flags().StringVar(&out, "out", "node.toml", "output path, or - for stdout")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func writeKeyFile(path string, data []byte, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists; use --force to overwrite", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), keyDirMode); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp key file: %w", err)
	}
	if err := tempFile.Chmod(keyFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp key file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp key file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace key file: %w", err)
	}
	cleanup = false
	return nil
}
