// Package cli provides the command-line interface for meshforge
package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshforge/meshforge/pkg/config"
)

var (
	cfgFile   string
	outputDir string
	verbosity string
	version   string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "meshforge",
	Short: "Turn photo sets into downloadable 3D geometry",
	Long: `meshforge drives a multi-stage photogrammetry engine over a set of
photographs and post-processes the raw reconstruction output into
cleaned, portable mesh bundles ready for download.`,

	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("meshforge v%s\n", version)
			return
		}
		cmd.Help()
	},
}

// Execute runs the CLI
func Execute(v string) error {
	version = v

	// Initialize the root command explicitly (avoiding init())
	initializeRootCommand()

	return rootCmd.Execute()
}

// initializeRootCommand sets up the root command and its flags.
// This replaces the init() function to make initialization explicit and testable.
func initializeRootCommand() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: meshforge.config.json)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "output directory for session workspaces")
	rootCmd.PersistentFlags().StringVarP(&verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")

	rootCmd.Flags().Bool("version", false, "Print version information and quit")

	// Add subcommands
	rootCmd.AddCommand(newProcessCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newConvertCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("meshforge.config")
		viper.SetConfigType("json")
	}

	viper.SetEnvPrefix("MESHFORGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbosity == "debug" {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig resolves the effective configuration from file defaults
// and command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	if used := viper.ConfigFileUsed(); used != "" {
		loaded, err := config.NewManager().LoadConfig(used)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if outputDir != "" {
		cfg.OutputDir = outputDir
	}
	if verbosity != "" {
		cfg.LogLevel = verbosity
	}
	return cfg, nil
}

// Helper functions

func printSuccess(message string) {
	fmt.Printf("%s %s\n", color.GreenString("[meshforge]"), message)
}

func printError(message string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("[meshforge]"), message)
}

func printInfo(message string) {
	fmt.Printf("%s %s\n", color.CyanString("[meshforge]"), message)
}

func printWarning(message string) {
	fmt.Printf("%s %s\n", color.YellowString("[meshforge]"), message)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshforge v%s\n", version)
		},
	}
}
