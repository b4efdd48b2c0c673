package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/cloak"
)

var keysCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage versioned encryption keys",
	Long:  `Manage the versioned key chain: list retained versions, show the active key and force a rotation.`,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained key versions",
	Long:  `List every retained key version with its status, creation time and expiry. Key bytes are never printed.`,
	RunE:  runKeyList,
}

var keyActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Show the active key version",
	RunE:  runKeyActive,
}

var keyRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Force a key rotation",
	Long: `Mint the next key version and make it active. Previously encoded values stay
decodable while their version remains inside the retention window.`,
	RunE: runKeyRotate,
}

var jsonOutput bool

func init() {
	rootCmd.AddCommand(keysCmd)

	keysCmd.AddCommand(keyListCmd)
	keysCmd.AddCommand(keyActiveCmd)
	keysCmd.AddCommand(keyRotateCmd)

	keyListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	keyActiveCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
}

func runKeyList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	metas := keyManager.ListKeys()

	if jsonOutput {
		output := make([]map[string]interface{}, 0, len(metas))
		for _, meta := range metas {
			output = append(output, map[string]interface{}{
				"version":    meta.Version,
				"active":     meta.Active,
				"created_at": meta.CreatedAt,
				"expires_at": meta.ExpiresAt,
			})
		}
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(output), started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "VERSION\tACTIVE\tCREATED\tEXPIRES\n")
	for _, meta := range metas {
		expires := "-"
		if meta.ExpiresAt != nil {
			expires = meta.ExpiresAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%d\t%t\t%s\t%s\n",
			meta.Version,
			meta.Active,
			meta.CreatedAt.Format("2006-01-02 15:04:05"),
			expires,
		)
	}
	return auditCmdComplete(cmd, w.Flush(), started)
}

func runKeyActive(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	vk, ok := keyManager.CurrentKey()
	if !ok {
		return auditCmdComplete(cmd, fmt.Errorf("no active key. Run 'cloak key rotate' to mint one"), started)
	}
	defer wipe(vk.Key)

	if jsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"version":    vk.Version,
			"created_at": vk.CreatedAt,
			"expires_at": vk.ExpiresAt,
		}), started)
	}

	fmt.Printf("Active key version: %d\n", vk.Version)
	fmt.Printf("Created: %s\n", vk.CreatedAt.Format(time.RFC3339))
	if vk.ExpiresAt != nil {
		fmt.Printf("Expires: %s\n", vk.ExpiresAt.Format(time.RFC3339))
	}
	return auditCmdComplete(cmd, nil, started)
}

func runKeyRotate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	vk, err := keyManager.GenerateNewKey(
		cloak.NonceFromName("cli-rotation"),
		viper.GetInt("keys.size_bits"),
	)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to rotate key: %w", err), started)
	}
	defer wipe(vk.Key)

	fmt.Println("Key rotation completed successfully!")
	fmt.Printf("New key version: %d\n", vk.Version)
	fmt.Printf("Created at: %s\n", vk.CreatedAt.Format(time.RFC3339))
	return auditCmdComplete(cmd, nil, started)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
