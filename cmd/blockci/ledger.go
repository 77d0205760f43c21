package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"blockci/internal/ledger"
	"blockci/internal/security"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
)

var (
	ledgerFile string
	keysDir    string
	forceKeys  bool
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or verify the run ledger",
}

var ledgerInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List ledger records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := readLedger()
		if err != nil {
			return err
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(mutedStyle).
			Headers("INDEX", "RUN", "INSTANCE", "STEP", "STATE", "HASH")
		for _, r := range records {
			t.Row(strconv.Itoa(r.Index), short(r.RunID, 8), r.Instance, r.Step, r.State, short(r.Hash, 16))
		}
		fmt.Fprintln(cmd.OutOrStdout(), t.Render())
		return nil
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check hashes, links and signatures of every record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := readLedger()
		if err != nil {
			return err
		}
		if err := ledger.VerifyRecords(records); err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), failStyle.Render("ledger verification FAILED"))
			return &ExitError{Code: 1, Err: err}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d records\n", okStyle.Render("ledger verification OK"), len(records))
		return nil
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the ed25519 key pair that signs ledger records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := keysDir
		if dir == "" {
			dir = cfg.Resolve(cfg.Ledger.KeysDir)
		}
		if _, err := os.Stat(filepath.Join(dir, security.PrivateKeyFile)); err == nil && !forceKeys {
			return fmt.Errorf("keys already exist in %s (use --force to replace)", dir)
		}
		s, err := security.GenerateSigner()
		if err != nil {
			return err
		}
		if err := s.Save(dir); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote keys to %s\npublic key %s\n", dir, s.PublicHex())
		return nil
	},
}

func init() {
	ledgerCmd.PersistentFlags().StringVar(&ledgerFile, "file", "", "Ledger file (defaults to the configured path)")
	ledgerCmd.AddCommand(ledgerInspectCmd, ledgerVerifyCmd)

	keygenCmd.Flags().StringVar(&keysDir, "dir", "", "Key directory (defaults to the configured keys_dir)")
	keygenCmd.Flags().BoolVar(&forceKeys, "force", false, "Overwrite existing keys")
}

func readLedger() ([]*ledger.Record, error) {
	path := ledgerFile
	if path == "" {
		path = cfg.Resolve(cfg.Ledger.Path)
	}
	records, err := ledger.ReadRecords(osfs.New(filepath.Dir(path)), filepath.Base(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no ledger at %s", path)
	}
	return records, err
}

func short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
