// inpaintctl inspects and maintains a local inpaint-runner installation: the
// model store, the auxiliary weights cache, and their disk usage.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inpaint-labs/inpaint-runner/pkg/diskusage"
	"github.com/inpaint-labs/inpaint-runner/pkg/inference/models"
	"github.com/inpaint-labs/inpaint-runner/pkg/weights"
)

var (
	modelsPath  string
	weightsPath string
	offlineOnly bool
)

func defaultPath(element string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return element
	}
	return filepath.Join(home, ".inpaint-runner", element)
}

func newLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return log.WithField("component", "inpaintctl")
}

func newCatalog() *models.Manager {
	return models.NewManager(newLogger(), modelsPath)
}

func newWeightsStore() *weights.Store {
	log := newLogger()
	return weights.NewStore(log, weightsPath, weights.NewClient(log))
}

func listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the models in the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			descriptors, err := newCatalog().Refresh(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tSIZE\tCONTROLNET\tFREEU\tLCM-LORA")
			for _, desc := range descriptors {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\t%v\n",
					desc.Name, desc.Kind,
					units.HumanSizeWithPrecision(float64(desc.SizeBytes), 3),
					desc.SupportsControlNet, desc.SupportsFreeU, desc.SupportsLCMLora)
			}
			return w.Flush()
		},
	}
}

func inspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect MODEL",
		Short: "Show a model's descriptor as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := newCatalog()
			if _, err := catalog.Refresh(cmd.Context()); err != nil {
				return err
			}
			desc, err := catalog.GetModel(args[0])
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(desc)
		},
	}
}

func pullLoraCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull-lora ID",
		Short: "Fetch a LoRA adapter into the weights cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := newWeightsStore().Resolve(cmd.Context(), args[0], offlineOnly)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offlineOnly, "offline", false, "fail instead of fetching from the registry")
	return cmd
}

func duCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "du",
		Short: "Report disk usage of the model store and weights cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tSIZE\tFILES")
			for _, root := range []string{modelsPath, weightsPath} {
				report, err := diskusage.Measure(root)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%d\n", report.Path, report.Size, report.Files)
			}
			return w.Flush()
		},
	}
}

func main() {
	root := &cobra.Command{
		Use:           "inpaintctl",
		Short:         "Inspect and maintain a local inpaint-runner installation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&modelsPath, "models-path", defaultPath("models"), "model store directory")
	root.PersistentFlags().StringVar(&weightsPath, "weights-path", defaultPath("weights"), "auxiliary weights cache directory")
	root.AddCommand(listCommand(), inspectCommand(), pullLoraCommand(), duCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
