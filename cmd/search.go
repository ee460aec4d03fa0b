package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sinodata/fundreports/internal/model"
	"github.com/sinodata/fundreports/internal/search"
)

// searchFlags collects the portal query parameters shared by the search and
// ingest commands.
type searchFlags struct {
	reportType string
	year       int
	fundType   string
	company    string
	fundCode   string
	fundName   string
	startDate  string
	endDate    string
	page       int
	pageSize   int
}

func addSearchFlags(cmd *cobra.Command, f *searchFlags) {
	cmd.Flags().StringVar(&f.reportType, "type", "", "report type: ANNUAL, SEMI_ANNUAL, Q1..Q4, FUND_PROFILE")
	cmd.Flags().IntVar(&f.year, "year", 0, "report year (required except for FUND_PROFILE)")
	cmd.Flags().StringVar(&f.fundType, "fund-type", "", "fund type: STOCK, MIXED, BOND, MONEY, QDII, FOF, INFRASTRUCTURE, COMMODITY")
	cmd.Flags().StringVar(&f.company, "company", "", "fund company short name")
	cmd.Flags().StringVar(&f.fundCode, "fund-code", "", "six-digit fund code")
	cmd.Flags().StringVar(&f.fundName, "fund-name", "", "fund short name")
	cmd.Flags().StringVar(&f.startDate, "start", "", "earliest upload date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.endDate, "end", "", "latest upload date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&f.page, "page", 1, "result page")
	cmd.Flags().IntVar(&f.pageSize, "page-size", 20, "rows per page")
	_ = cmd.MarkFlagRequired("type")
}

func (f *searchFlags) criteria() (*search.Criteria, error) {
	c := &search.Criteria{
		Year:                 f.year,
		ReportType:           model.ReportType(f.reportType),
		FundType:             model.FundType(f.fundType),
		FundCompanyShortName: f.company,
		FundCode:             f.fundCode,
		FundShortName:        f.fundName,
		Page:                 f.page,
		PageSize:             f.pageSize,
	}
	for _, d := range []struct {
		raw string
		dst **time.Time
	}{
		{f.startDate, &c.StartUploadDate},
		{f.endDate, &c.EndUploadDate},
	} {
		if d.raw == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", d.raw)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid date %q", d.raw)
		}
		*d.dst = &t
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var (
	searchQuery    searchFlags
	searchAll      bool
	searchMaxPages int
	searchJSON     bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the disclosure portal for periodic reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		criteria, err := searchQuery.criteria()
		if err != nil {
			return err
		}

		env, err := initApp(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		var refs []model.ReportRef
		if searchAll {
			refs, err = env.Service.SearchAll(cmd.Context(), criteria, searchMaxPages)
			if err != nil {
				return err
			}
		} else {
			page, err := env.Service.Search(cmd.Context(), criteria)
			if err != nil {
				return err
			}
			refs = page.Refs
			defer fmt.Printf("\n%d of %d total records (has_next=%v)\n", len(refs), page.TotalRecords, page.HasNext)
		}

		if searchJSON {
			return json.NewEncoder(os.Stdout).Encode(refs)
		}
		return printRefs(refs)
	},
}

func printRefs(refs []model.ReportRef) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UPLOAD_ID\tFUND_CODE\tFUND\tORGAN\tSENT\tREPORT")
	for _, ref := range refs {
		sent := ""
		if !ref.ReportSendDate.IsZero() {
			sent = ref.ReportSendDate.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ref.UploadInfoID, ref.FundCode, ref.FundShortName, ref.OrganizationName, sent, ref.ReportDesc)
	}
	return w.Flush()
}

func init() {
	addSearchFlags(searchCmd, &searchQuery)
	searchCmd.Flags().BoolVar(&searchAll, "all", false, "walk every result page")
	searchCmd.Flags().IntVar(&searchMaxPages, "max-pages", 0, "page cap for --all (0 = no cap)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "emit JSON instead of a table")
	rootCmd.AddCommand(searchCmd)
}
