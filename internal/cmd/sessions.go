package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/client"
	"github.com/tetherhq/tether/internal/config"
)

var sessionsEndpoint string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage sessions on a server",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionsList,
}

var sessionsDestroyCmd = &cobra.Command{
	Use:   "destroy <session-id>",
	Short: "Destroy a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDestroy,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsDestroyCmd)

	sessionsCmd.PersistentFlags().StringVarP(&sessionsEndpoint, "endpoint", "e", "", "Server base URL (default from config file)")
}

func sessionsAPI() (*client.API, error) {
	cfg, err := config.LoadClientConfig(config.ClientConfigPath())
	if err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if sessionsEndpoint != "" {
		endpoint = sessionsEndpoint
	}
	return client.NewAPI(endpoint, client.StaticTokenSource(cfg.Token)), nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	api, err := sessionsAPI()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions, err := api.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCOPE\tWORKDIR\tATTACHED\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
			s.ID, s.Scope, s.WorkingDirectory, s.Attached,
			s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsDestroy(cmd *cobra.Command, args []string) error {
	api, err := sessionsAPI()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	destroyed, err := api.DestroySession(ctx, args[0])
	if err != nil {
		return err
	}
	if !destroyed {
		fmt.Println("session was already gone")
		return nil
	}
	fmt.Println("session destroyed")
	return nil
}
