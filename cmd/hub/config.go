package main

import (
	"fmt"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"spokehub/internal/config"
	"spokehub/internal/pki"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init [path]",
			Short: "Write the default configuration as TOML",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := "spokehub.toml"
				if len(args) == 1 {
					path = args[0]
				}
				if err := config.WriteDefault(path); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
				return err
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				data, err := toml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
	)
	return cmd
}

func newCertsCmd(opts *rootOptions) *cobra.Command {
	var (
		dir     string
		hosts   []string
		devices []string
	)
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage the lab certificate authority",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create the CA plus hub and device certificates",
		Long:  "init creates (or reuses) the CA in --dir, then issues a hub certificate and one certificate per --device. Copy ca.pem and a device's pair onto each spoke.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = filepath.Join(opts.v.GetString("data_dir"), "pki")
			}
			ca, err := pki.LoadOrGenerateCA(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ca      %s (%s)\n", pki.CAPath(dir), pki.Fingerprint(ca.Cert.Raw)[:16])

			p, err := ca.IssueFiles(dir, "hub", "hub", hosts)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "hub     %s %s\n", p.Cert, p.Key)
			for _, id := range devices {
				p, err := ca.IssueFiles(dir, id, id, nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%-7s %s %s\n", id, p.Cert, p.Key)
			}
			return nil
		},
	}
	initCmd.Flags().StringVar(&dir, "dir", "", "output directory (default <data_dir>/pki)")
	initCmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "DNS names and IPs for the hub certificate")
	initCmd.Flags().StringSliceVar(&devices, "device", nil, "device ids to issue certificates for")
	cmd.AddCommand(initCmd)
	return cmd
}
