package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"decider/api/internal/app"
	"decider/api/internal/cart"
)

var cartCmd = &cobra.Command{
	Use:   "cart",
	Short: "Inspect and edit the technique cart of a session",
	Long: `Cart operates on the cart kept in durable storage for --session. Without
redis_url the storage lives only as long as the command, so use these
commands against a Redis-backed deployment.`,
}

// withService runs fn against a freshly wired service. A --page-version
// flag makes that version active first, as opening a page of it would.
func withService(cmd *cobra.Command, fn func(svc *app.Service) error) error {
	rt, err := buildRuntime(cmd.Context(), loadConfig(), logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	if f := cmd.Flags().Lookup("page-version"); f != nil && f.Value.String() != "" {
		if _, err := rt.service.SetActiveVersion(cmd.Context(), "", f.Value.String()); err != nil {
			return err
		}
	}
	return fn(rt.service)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var cartShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cart, its status and lock state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *app.Service) error {
			view, err := svc.Cart(cmd.Context(), "")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		})
	},
}

var cartAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a technique under a tactic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := app.AddEntryInput{}
		in.Version, _ = cmd.Flags().GetString("attack-version")
		in.TechniqueID, _ = cmd.Flags().GetString("technique")
		in.TacticID, _ = cmd.Flags().GetString("tactic")
		in.Notes, _ = cmd.Flags().GetString("notes")
		return withService(cmd, func(svc *app.Service) error {
			_, view, err := svc.AddEntry(cmd.Context(), "", in)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		})
	},
}

var cartClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty the cart",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *app.Service) error {
			_, err := svc.ClearCart(cmd.Context(), "")
			return err
		})
	},
}

var cartImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Replace the cart with a cart file (- reads stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload []byte
		var err error
		if args[0] == "-" {
			payload, err = io.ReadAll(cmd.InOrStdin())
		} else {
			payload, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}
		return withService(cmd, func(svc *app.Service) error {
			view, err := svc.ImportCart(cmd.Context(), "", payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), view.Status.Message)
			return nil
		})
	},
}

var cartExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the cart in one of its serialization shapes to stdout",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("shape")
		shape, err := cart.ParseShape(raw)
		if err != nil {
			return err
		}
		return withService(cmd, func(svc *app.Service) error {
			data, err := svc.ExportCart(cmd.Context(), "", shape)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		})
	},
}

var cartResolveCmd = &cobra.Command{
	Use:       "resolve switch|abandon",
	Short:     "Settle a pending version mismatch",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(cart.ResolveSwitch), string(cart.ResolveAbandon)},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd, func(svc *app.Service) error {
			view, err := svc.Resolve(cmd.Context(), "", cart.Choice(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		})
	},
}

func init() {
	cartAddCmd.Flags().String("attack-version", "", "ATT&CK version tag of the technique page")
	cartAddCmd.Flags().String("technique", "", "technique id, e.g. T1059.001")
	cartAddCmd.Flags().String("tactic", "", "tactic id, e.g. TA0002")
	cartAddCmd.Flags().String("notes", "", "usage notes")
	_ = cartAddCmd.MarkFlagRequired("attack-version")
	_ = cartAddCmd.MarkFlagRequired("technique")
	_ = cartAddCmd.MarkFlagRequired("tactic")

	cartCmd.PersistentFlags().String("page-version", "", "ATT&CK version of the page in use; a cart of another version reports a mismatch")

	cartExportCmd.Flags().String("shape", string(cart.ShapeImport), "import, storage or redacted")

	cartCmd.AddCommand(cartShowCmd, cartAddCmd, cartClearCmd, cartImportCmd, cartExportCmd, cartResolveCmd)
	rootCmd.AddCommand(cartCmd)
}
