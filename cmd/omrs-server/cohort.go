package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systemshift/omrs/pkg/client"
)

func newCohortCmd() *cobra.Command {
	var (
		serverURL string
		userID    string
	)

	cmd := &cobra.Command{
		Use:   "cohort",
		Short: "Inspect and change the cohort membership of a running server",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	cmd.PersistentFlags().StringVar(&userID, "user", "admin", "User the requests are made as")

	newClient := func() *client.Client {
		return client.New(serverURL, userID)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the configured cohorts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCohorts(cmd.Context(), newClient(), cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "members <cohort>",
		Short: "List the remote members registered in a cohort",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listMembers(cmd.Context(), newClient(), args[0], cmd.OutOrStdout())
		},
	})

	for _, action := range []struct {
		use, short string
		call       func(*client.Client, context.Context, string) (bool, error)
	}{
		{"connect", "Connect to a cohort and register", (*client.Client).ConnectToCohort},
		{"disconnect", "Disconnect from a cohort, keeping the registration", (*client.Client).DisconnectFromCohort},
		{"unregister", "Leave a cohort and forget its members", (*client.Client).UnregisterFromCohort},
	} {
		action := action
		cmd.AddCommand(&cobra.Command{
			Use:   action.use + " <cohort>",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ok, err := action.call(newClient(), ctxOrBackground(cmd.Context()), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s %s: not accepted", action.use, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: accepted\n", action.use, args[0])
				return nil
			},
		})
	}
	return cmd
}

func listCohorts(ctx context.Context, c *client.Client, out io.Writer) error {
	cohorts, err := c.GetCohortDescriptions(ctxOrBackground(ctx))
	if err != nil {
		return fmt.Errorf("listing cohorts: %w", err)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTRANSPORT\tSTATUS\tMEMBERS\tREGISTERED")
	for _, d := range cohorts {
		registered := "-"
		if !d.LocalRegistration.IsZero() {
			registered = d.LocalRegistration.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", d.CohortName, d.Transport, d.ConnectionStatus, d.RemoteMemberCount, registered)
	}
	return w.Flush()
}

func listMembers(ctx context.Context, c *client.Client, cohort string, out io.Writer) error {
	members, err := c.GetRemoteRegistrations(ctxOrBackground(ctx), cohort)
	if err != nil {
		return fmt.Errorf("listing members of %s: %w", cohort, err)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "METADATA COLLECTION\tSERVER\tURL\tREGISTERED")
	for _, m := range members {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.MetadataCollectionID, m.ServerName,
			m.RepositoryConnection.URL, m.RegistrationTime.Format(time.RFC3339))
	}
	return w.Flush()
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
