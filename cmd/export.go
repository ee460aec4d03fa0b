package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sinodata/fundreports/internal/export"
	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/store"
)

var (
	exportFundCode string
	exportType     string
	exportYear     int
	exportLimit    int
	exportOut      string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export persisted fund reports to an xlsx workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		records, err := env.Service.ListReports(cmd.Context(), store.ReportFilter{
			FundCode:   exportFundCode,
			ReportType: model.ReportType(exportType),
			Year:       exportYear,
			Limit:      exportLimit,
		})
		if err != nil {
			return err
		}

		// The list query skips child tables; pull each full report for export.
		for i := range records {
			full, err := env.Service.GetReport(cmd.Context(), records[i].ID)
			if err != nil {
				return err
			}
			records[i] = *full
		}

		if err := export.WriteFile(records, exportOut); err != nil {
			return err
		}
		fmt.Printf("wrote %d reports to %s\n", len(records), exportOut)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFundCode, "fund-code", "", "filter by fund code")
	exportCmd.Flags().StringVar(&exportType, "type", "", "filter by report type")
	exportCmd.Flags().IntVar(&exportYear, "year", 0, "filter by report period year")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "max reports (default 100)")
	exportCmd.Flags().StringVar(&exportOut, "out", "fundreports.xlsx", "output path")
	rootCmd.AddCommand(exportCmd)
}
