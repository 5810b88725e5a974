package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an ed25519 approver key pair",
	Long: `Writes an OpenSSH private key to --out and its authorized_keys line to
--out.pub. Register the .pub line as the approver's public_key in the
charter's approvers document.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		comment, _ := cmd.Flags().GetString("comment")
		if out == "" {
			return errors.New("--out is required")
		}
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%s already exists", out)
		}

		pubLine, err := generateKey(out, comment)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Private key: %s\n", okStyle.Render("[SUCCESS]"), out)
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s", labelStyle.Render("public_key:"), pubLine)
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("out", "", "Private key path; the public key goes to <out>.pub")
	keygenCmd.Flags().String("comment", "", "Key comment, e.g. the approver id")
	rootCmd.AddCommand(keygenCmd)
}

// generateKey writes an OpenSSH key pair and returns the authorized_keys
// line.
func generateKey(path, comment string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return "", fmt.Errorf("encode private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", err
	}
	line := ssh.MarshalAuthorizedKey(sshPub)
	if comment != "" {
		line = append(line[:len(line)-1], []byte(" "+comment+"\n")...)
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", err
	}
	if err := os.WriteFile(path+".pub", line, 0o644); err != nil {
		return "", err
	}
	return string(line), nil
}

// loadSigningKey reads an unencrypted OpenSSH or PKCS#8 ed25519 private key.
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%s is passphrase protected; use an unencrypted signing key or --signature", path)
		}
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	switch k := raw.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	}
	return nil, fmt.Errorf("%s is not an ed25519 key", path)
}
