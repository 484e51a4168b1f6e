package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"spokehub/internal/api"
	"spokehub/internal/notify"
	"spokehub/internal/version"
)

func newNotifyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Build and test notification URLs",
	}

	urlCmd := &cobra.Command{
		Use:   "url <provider> key=value...",
		Short: "Build a notify.urls entry for a provider",
		Long:  "url builds a Shoutrrr URL from plain fields. Providers: " + strings.Join(notify.Providers(), ", ") + ".",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				p, ok := notify.GetProvider(args[0])
				if !ok {
					return fmt.Errorf("unknown provider %q", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s requires: %s\n", p.Label, strings.Join(p.Required, ", "))
				if len(p.Optional) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "optional: %s\n", strings.Join(p.Optional, ", "))
				}
				return nil
			}
			fields, err := notify.ParseFields(args[1:])
			if err != nil {
				return err
			}
			u, err := notify.BuildURL(args[0], fields)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), u)
			return err
		},
	}

	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test message to every configured URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if len(cfg.Notify.URLs) == 0 {
				return errors.New("notify.urls is empty")
			}
			var sender notify.ShoutrrrSender
			var errs []error
			for _, u := range cfg.Notify.URLs {
				if err := sender.Send(u, "spokehub test notification"); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", redact(u))
			}
			return errors.Join(errs...)
		},
	}

	cmd.AddCommand(urlCmd, testCmd)
	return cmd
}

// redact keeps only the scheme of a notification URL.
func redact(u string) string {
	if scheme, _, ok := strings.Cut(u, "://"); ok {
		return scheme + "://***"
	}
	return "***"
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the operator API token",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "hash [token]",
		Short: "Print the bcrypt hash to set as api.token_hash",
		Long:  "hash reads the token from the argument, or from the first line of stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				sc := bufio.NewScanner(cmd.InOrStdin())
				if sc.Scan() {
					token = strings.TrimSpace(sc.Text())
				}
				if err := sc.Err(); err != nil {
					return err
				}
			}
			h, err := api.HashToken(token)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			return err
		},
	}
}
