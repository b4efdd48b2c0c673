package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/cloak"
	"southwinds.dev/cloak/audit"
	"southwinds.dev/cloak/persist"
)

var (
	cfgFile     string
	auditLogger audit.Logger
	keyManager  *cloak.KeyManager
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cloak",
	Short: "Reversible secret obfuscation with versioned key rotation",
	Long: `Obfuscates secrets through a configurable pipeline of reversible transforms:
authenticated encryption, compression and byte randomization. Encryption keys are
versioned and rotated automatically, with a bounded window of old versions kept
decodable.`,
	PersistentPreRunE: initializeCloak,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if keyManager != nil {
			return keyManager.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cloak.yaml)")
	rootCmd.PersistentFlags().String("pipeline", "", "comma-separated pipeline steps, e.g. zstd,aes-256-gcm,shuffle")
	rootCmd.PersistentFlags().String("kdf", "", "key derivation function (pbkdf2, scrypt, argon2id)")
	rootCmd.PersistentFlags().Int("key-size", 0, "symmetric key size in bits")

	bindFlagOrPanic("pipeline.steps", "pipeline")
	bindFlagOrPanic("keys.kdf", "kdf")
	bindFlagOrPanic("keys.size_bits", "key-size")

	// Key store flags
	rootCmd.PersistentFlags().String("store-type", "", "key store backend (memory, filesystem, s3)")
	rootCmd.PersistentFlags().StringP("store-path", "p", "", "path for the filesystem key store")
	rootCmd.PersistentFlags().String("store-passphrase", "", "passphrase protecting keys at rest (or CLOAK_STORE_PASSPHRASE)")

	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.passphrase", "store-passphrase")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/cloak")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".cloak")
	}

	viper.SetEnvPrefix("CLOAK")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}
}

func setDefaults() {
	viper.SetDefault("pipeline.steps", "zstd,aes-256-gcm,shuffle")
	viper.SetDefault("keys.kdf", "pbkdf2")
	viper.SetDefault("keys.size_bits", 256)
	viper.SetDefault("keys.max_old", 3)
	viper.SetDefault("keys.rotation_enabled", true)
	viper.SetDefault("keys.rotation_interval", "720h")

	viper.SetDefault("store.type", "filesystem")
	viper.SetDefault("store.path", ".cloak")

	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.prefix", "cloak/")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", "audit.log")
	viper.SetDefault("audit.log_level", "info")
}

func initializeCloak(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
		return nil
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err := createKeyStore()
	if err != nil {
		return fmt.Errorf("failed to create key store: %w", err)
	}

	keyManager, err = cloak.NewKeyManager(cloak.KeyManagerOptions{
		RotationEnabled:  viper.GetBool("keys.rotation_enabled"),
		RotationInterval: viper.GetDuration("keys.rotation_interval"),
		MaxOldKeys:       viper.GetInt("keys.max_old"),
		KDF: cloak.KDFConfig{
			Name: cloak.KDFName(viper.GetString("keys.kdf")),
		},
		Store: store,
		Audit: auditLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize key manager: %w", err)
	}
	return nil
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Scope:   "cloak-cli",
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path": viper.GetString("audit.options.file_path"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createKeyStore() (persist.Store, error) {
	storeType := strings.ToLower(viper.GetString("store.type"))
	switch storeType {
	case "memory":
		return persist.NewMemoryStore(), nil

	case "filesystem", "file":
		return persist.NewFileSystemStore(persist.FileSystemConfig{
			Path:       viper.GetString("store.path"),
			Passphrase: storePassphrase(),
		})

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.s3.prefix"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
			Passphrase:      storePassphrase(),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: memory, filesystem, s3", storeType)
	}
}

// storePassphrase resolves the at-rest passphrase shared by the filesystem
// and S3 key stores.
func storePassphrase() string {
	passphrase := viper.GetString("store.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("CLOAK_STORE_PASSPHRASE")
	}
	return passphrase
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "store.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "store.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// buildPipeline resolves the configured step list against the codec registry,
// attaching the CLI key manager to encryption steps.
func buildPipeline() (*cloak.Pipeline, error) {
	steps := viper.GetString("pipeline.steps")
	var names []string
	for _, step := range strings.Split(steps, ",") {
		step = strings.TrimSpace(strings.ToLower(step))
		if step == "" {
			continue
		}
		// Accept the verbose form "encrypt using <alg>" as well as plain names.
		step = strings.TrimPrefix(step, "encrypt using ")
		step = strings.TrimPrefix(step, "compress using ")
		names = append(names, step)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("pipeline has no steps; set --pipeline or pipeline.steps")
	}

	pipeline, err := cloak.NewPipelineFromNames(names, cloak.CodecOptions{
		Keys:        keyManager,
		KeySizeBits: viper.GetInt("keys.size_bits"),
		KDF: cloak.KDFConfig{
			Name: cloak.KDFName(viper.GetString("keys.kdf")),
		},
	})
	if err != nil {
		return nil, err
	}
	return pipeline.WithAudit(auditLogger), nil
}
