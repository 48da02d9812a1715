package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/geoinsight/internal/model"
)

var (
	runBrandPath   string
	runQueriesPath string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full insight pipeline for one brand",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		brand, err := model.LoadBrandContext(runBrandPath)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, runQueriesPath)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Pipeline.Run(ctx, *brand)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("run complete",
			zap.String("brand", brand.Name),
			zap.Float64("mean_geo", result.Aggregates.MeanGEO),
			zap.Float64("mean_sov", result.Aggregates.MeanSOV),
			zap.Bool("degraded", result.Degraded),
			zap.Float64("cost_usd", result.CostUSD),
		)

		// Print result JSON to stdout
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	runCmd.Flags().StringVar(&runBrandPath, "brand", "", "brand context YAML file (required)")
	runCmd.Flags().StringVar(&runQueriesPath, "queries", "", "query set YAML file (required)")
	_ = runCmd.MarkFlagRequired("brand")
	_ = runCmd.MarkFlagRequired("queries")
	rootCmd.AddCommand(runCmd)
}
