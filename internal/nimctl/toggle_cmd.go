package nimctl

import (
	"context"
	"fmt"
	"io"

	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/briancaffey/nvidia-nim-kit/internal/toggle"
	"github.com/spf13/cobra"
)

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Show or change the NVIDIA hosted API toggle",
}

func toggleClient() (*toggle.Client, error) {
	client, ctx, err := mustClient()
	if err != nil {
		return nil, err
	}
	return toggle.NewClient(ctx.Server, toggle.ClientOptions{
		Token:   client.Token,
		Timeout: client.Timeout,
		Logger:  logutil.New("nimctl"),
	}), nil
}

// runToggle loads the server state before applying change, so a write never
// replaces state the client has not seen.
func runToggle(cmd *cobra.Command, change func(context.Context, *toggle.Client) (toggle.State, error)) error {
	tc, err := toggleClient()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	state, err := tc.Load(ctx)
	if err != nil {
		return err
	}
	if change != nil {
		if state, err = change(ctx, tc); err != nil {
			return err
		}
	}
	if handled, err := writeStructured(cmd.OutOrStdout(), state); handled || err != nil {
		return err
	}
	printToggle(cmd.OutOrStdout(), state)
	return nil
}

func printToggle(w io.Writer, state toggle.State) {
	status := lowStyle.Render("disabled")
	if state.Enabled {
		status = highStyle.Render("enabled")
	}
	fmt.Fprintf(w, "NVIDIA API: %s\n", status)
	if !state.CanEnable {
		reason := state.Reason
		if reason == "" {
			reason = "cannot be enabled"
		}
		fmt.Fprintln(w, mutedStyle.Render(reason))
	}
}

var toggleGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the toggle state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(cmd, nil)
	},
}

var toggleOnCmd = &cobra.Command{
	Use:   "on",
	Short: "Route requests to the NVIDIA hosted API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(cmd, func(ctx context.Context, tc *toggle.Client) (toggle.State, error) {
			return tc.Set(ctx, true)
		})
	},
}

var toggleOffCmd = &cobra.Command{
	Use:   "off",
	Short: "Route requests to local NIMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(cmd, func(ctx context.Context, tc *toggle.Client) (toggle.State, error) {
			return tc.Set(ctx, false)
		})
	},
}

var toggleFlipCmd = &cobra.Command{
	Use:   "flip",
	Short: "Invert the toggle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runToggle(cmd, func(ctx context.Context, tc *toggle.Client) (toggle.State, error) {
			return tc.Toggle(ctx)
		})
	},
}

func init() {
	toggleCmd.AddCommand(toggleGetCmd)
	toggleCmd.AddCommand(toggleOnCmd)
	toggleCmd.AddCommand(toggleOffCmd)
	toggleCmd.AddCommand(toggleFlipCmd)
}
