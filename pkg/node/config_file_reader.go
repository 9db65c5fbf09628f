package node

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ConfigOptions is used to configure the loading of config parameters by "bridged node".
type ConfigOptions struct {
	// FilePath is the path to the config file to be loaded, including the file name and extension.
	// If this is specified (either as fully qualified or relative), config parameters will be loaded
	// from that file, in addition to from environment variables and command line arguments.
	// The file may be any of the types supported by Viper (such as .yaml or .json).
	FilePath string

	// EnvPrefix is the prefix to be added to environment variables to load variables that
	// override config file settings. For instance, setting it to "BRIDGED" will cause it
	// to look for variables like "BRIDGED_CHAINARPC".
	EnvPrefix string
}

// InitFileConfig initializes configuration according to the following precedence:
// 1. Command line flags
// 2. Environment variables
// 3. Config file
// 4. Cobra default values
func InitFileConfig(cmd *cobra.Command, options ConfigOptions) error {
	v := viper.New()

	if options.FilePath != "" {
		v.SetConfigFile(options.FilePath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", options.FilePath, err)
		}
	}

	// Example: --chainARPC will be bound to BRIDGED_CHAINARPC
	v.SetEnvPrefix(options.EnvPrefix)
	v.AutomaticEnv()

	return bindFlags(cmd, v)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if bindErr != nil {
			return
		}
		// Apply the viper config value to the flag when the flag is not set and viper has a value
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if err := cmd.Flags().Set(f.Name, fmt.Sprintf("%v", val)); err != nil {
				bindErr = fmt.Errorf("failed to bind flag %s to viper: %w", f.Name, err)
			}
		}
	})
	return bindErr
}
