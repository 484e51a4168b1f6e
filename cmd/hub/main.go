// Command hub coordinates recording sessions across networked spokes.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"spokehub/internal/config"
	"spokehub/internal/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions is shared by every subcommand that needs configuration.
type rootOptions struct {
	configPath string
	v          *viper.Viper
}

func (o *rootOptions) load() (models.Config, error) {
	return config.Load(o.v, o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	root := &cobra.Command{
		Use:           "hub",
		Short:         "Multi-device recording hub",
		Long:          "hub keeps spokes connected and clock-synchronized, runs recording sessions across them and collects their data afterwards.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (TOML, YAML or JSON)")
	pf.String("data-dir", "", "directory for sessions, certificates and the database")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json or console)")
	if err := config.BindFlags(opts.v, pf, map[string]string{
		"data_dir":   "data-dir",
		"log.level":  "log-level",
		"log.format": "log-format",
	}); err != nil {
		root.RunE = func(*cobra.Command, []string) error { return err }
		return root
	}

	client := &apiClient{opts: opts}
	client.addFlags(pf)

	root.AddCommand(
		newServeCmd(opts),
		newConfigCmd(opts),
		newCertsCmd(opts),
		newDevicesCmd(client),
		newSessionCmd(client),
		newNotifyCmd(opts),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}
