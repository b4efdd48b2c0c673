package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"southwinds.dev/cloak"
)

var (
	nonceFlag  int64
	secretName string
	inputFile  string
)

var obfuscateCmd = &cobra.Command{
	Use:   "obfuscate [value]",
	Short: "Obfuscate a value through the configured pipeline",
	Long: `Run a value forward through the configured pipeline and print the result as
base64 together with the nonce needed to reverse it. The value is read from the
argument, from --file, or from stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runObfuscate,
}

var deobfuscateCmd = &cobra.Command{
	Use:   "deobfuscate <base64-value>",
	Short: "Reverse a previously obfuscated value",
	Long:  `Run an obfuscated base64 value backwards through the configured pipeline using the nonce it was obfuscated with.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDeobfuscate,
}

func init() {
	rootCmd.AddCommand(obfuscateCmd)
	rootCmd.AddCommand(deobfuscateCmd)

	obfuscateCmd.Flags().Int64Var(&nonceFlag, "nonce", 0, "explicit nonce (default derives one from --name and the clock)")
	obfuscateCmd.Flags().StringVar(&secretName, "name", "", "secret name used to derive the nonce")
	obfuscateCmd.Flags().StringVar(&inputFile, "file", "", "read the value from a file instead of the argument")

	deobfuscateCmd.Flags().Int64Var(&nonceFlag, "nonce", 0, "nonce the value was obfuscated with (required)")
	_ = deobfuscateCmd.MarkFlagRequired("nonce")
}

func runObfuscate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	data, err := readInput(args)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	pipeline, err := buildPipeline()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	nonce := nonceFlag
	if nonce == 0 {
		nonce = cloak.NonceFromName(secretName)
	}

	secret, err := pipeline.Obfuscate(data, nonce)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("obfuscation failed: %w", err), started)
	}

	fmt.Printf("Value: %s\n", base64.StdEncoding.EncodeToString(secret.Data()))
	fmt.Printf("Nonce: %d\n", secret.Nonce())
	return auditCmdComplete(cmd, nil, started)
}

func runDeobfuscate(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	data, err := base64.StdEncoding.DecodeString(args[0])
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("value is not valid base64: %w", err), started)
	}

	pipeline, err := buildPipeline()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	plain, err := pipeline.Decode(data, nonceFlag)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("deobfuscation failed: %w", err), started)
	}

	_, err = os.Stdout.Write(plain)
	return auditCmdComplete(cmd, err, started)
}

func readInput(args []string) ([]byte, error) {
	switch {
	case inputFile != "":
		return os.ReadFile(inputFile)
	case len(args) == 1:
		return []byte(args[0]), nil
	default:
		return io.ReadAll(os.Stdin)
	}
}
