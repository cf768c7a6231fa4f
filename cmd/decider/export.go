package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"decider/api/internal/app"
	"decider/api/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export cart|navigator|report",
	Short: "Render the cart as a downloadable file",
	Long: `Export renders the session's cart. By default the file is written to --out, or
to stdout when --out is empty. With --store the artifact goes to the configured
sink (MinIO bucket or export_dir) and its location is printed.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(export.KindCart), string(export.KindNavigator), string(export.KindReport)},
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := export.ParseKind(args[0])
		if err != nil {
			return err
		}
		persist, _ := cmd.Flags().GetBool("store")
		out, _ := cmd.Flags().GetString("out")

		return withService(cmd, func(svc *app.Service) error {
			artifact, location, err := svc.Export(cmd.Context(), "", kind, persist)
			if err != nil {
				return err
			}
			if persist {
				fmt.Fprintln(cmd.OutOrStdout(), location)
				return nil
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(artifact.Data)
				return err
			}
			if err := os.WriteFile(out, artifact.Data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%s)\n", out, artifact.Filename)
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().Bool("store", false, "upload to the export sink instead of writing locally")
	exportCmd.Flags().String("out", "", "output file (default: stdout)")
	rootCmd.AddCommand(exportCmd)
}
