package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/scrapelane/internal/directory"
	"github.com/shehryarbajwa/scrapelane/pkg/models"
)

var credentialFlags struct {
	all           bool
	isDefault     bool
	maxConcurrent int
}

var credentialsCmd = &cobra.Command{
	Use:     "credentials",
	Aliases: []string{"lanes"},
	Short:   "Manage browser-provider credentials",
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDirectory(func(dir *directory.Directory) error {
			creds, err := dir.ListCredentials(cmd.Context(), !credentialFlags.all)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tDEFAULT\tCREATED")
			for _, c := range creds {
				fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", c.ID, c.Name, c.IsActive, c.IsDefault, c.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		})
	},
}

var credentialsAddCmd = &cobra.Command{
	Use:   "add <name> <token>",
	Short: "Add a credential, which becomes a new lane",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDirectory(func(dir *directory.Directory) error {
			in := models.CredentialInput{Name: &args[0], Token: &args[1]}
			if cmd.Flags().Changed("max-concurrent") {
				in.MaxConcurrent = &credentialFlags.maxConcurrent
			}
			c, err := dir.CreateCredential(cmd.Context(), in, credentialFlags.isDefault)
			if err != nil {
				return err
			}
			fmt.Println(c.ID)
			return nil
		})
	},
}

var credentialsDefaultCmd = &cobra.Command{
	Use:   "set-default <id>",
	Short: "Make a credential the default lane",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDirectory(func(dir *directory.Directory) error {
			return dir.SetDefault(cmd.Context(), args[0])
		})
	},
}

var credentialsDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Deactivate a credential. The server moves its queued scrapes on the next lane sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDirectory(func(dir *directory.Directory) error {
			return dir.DeactivateCredential(cmd.Context(), args[0])
		})
	},
}

func init() {
	credentialsListCmd.Flags().BoolVar(&credentialFlags.all, "all", false, "include inactive credentials")
	credentialsAddCmd.Flags().BoolVar(&credentialFlags.isDefault, "default", false, "make the new credential the default")
	credentialsAddCmd.Flags().IntVar(&credentialFlags.maxConcurrent, "max-concurrent", 1, "provider concurrency limit (informational)")

	credentialsCmd.AddCommand(credentialsListCmd, credentialsAddCmd, credentialsDefaultCmd, credentialsDeactivateCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func withDirectory(fn func(dir *directory.Directory) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(directory.New(st, directory.Options{}, logger))
}
