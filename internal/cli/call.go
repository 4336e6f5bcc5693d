package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/voxgate/internal/model"
	"github.com/ppiankov/voxgate/internal/server"
)

var (
	callFlags commandFlags
	callState string
)

func init() {
	rootCmd.AddCommand(callCmd)
	callFlags.register(callCmd)
	rootCmd.AddCommand(stateCmd)
	stateCmd.Flags().StringVar(&callState, "entity", "", "Entity id to read (required)")
	stateCmd.MarkFlagRequired("entity")
}

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Dispatch one command through policy to the controller",
	Long: "Connects to the controller, runs the command through the policy engine and prints\n" +
		"the outcome as JSON. Exit code 0 on success, 2 if confirmation is required, 1 otherwise.",
	RunE: runCall,
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Read the current state of one entity",
	RunE:  runState,
}

func runCall(cmd *cobra.Command, args []string) error {
	command, err := callFlags.command()
	if err != nil {
		return err
	}
	return withGateway(cmd, func(ctx context.Context, srv *server.Server) model.Outcome {
		return srv.Dispatcher().Dispatch(ctx, command)
	})
}

func runState(cmd *cobra.Command, args []string) error {
	return withGateway(cmd, func(ctx context.Context, srv *server.Server) model.Outcome {
		return srv.Dispatcher().EntityState(ctx, callState)
	})
}

// withGateway connects a one-shot gateway, runs fn and prints its outcome.
// A failed connection is reported but fn still runs, so policy decisions
// are visible without a reachable controller.
func withGateway(cmd *cobra.Command, fn func(context.Context, *server.Server) model.Outcome) error {
	cfg, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	srv, err := server.New(server.Options{Config: cfg, ConfigPath: resolvedConfigPath(), Version: version})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Controller.AuthTimeout+cfg.Controller.RequestTimeout+time.Second)
	defer cancel()

	if err := srv.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: controller unavailable: %v\n", err)
	}

	out := fn(ctx, srv)
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	switch {
	case out.Success:
		return nil
	case out.ErrorKind == model.KindConfirmationRequired:
		return exitError{code: 2}
	default:
		return exitError{code: 1}
	}
}
