package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sinodata/fundreports/internal/model"
)

var (
	parseFundCode string
	parseDesc     string
)

var parseCmd = &cobra.Command{
	Use:   "parse <file>",
	Short: "Run the extraction chain over a local report artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		ref := model.ReportRef{FundCode: parseFundCode, ReportDesc: parseDesc}
		res, err := engine.ParseFile(cmd.Context(), args[0], ref)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	parseCmd.Flags().StringVar(&parseFundCode, "fund-code", "", "fund code hint when the artifact omits it")
	parseCmd.Flags().StringVar(&parseDesc, "desc", "", "report description hint, e.g. 2024年年度报告")
	rootCmd.AddCommand(parseCmd)
}
