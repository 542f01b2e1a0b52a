package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sweeney/plexwatch/internal/logic"
)

func newFiltersCmd(v *viper.Viper, configFile *string) *cobra.Command {
	var recordFile string

	cmd := &cobra.Command{
		Use:   "filters",
		Short: "Print the configured filter chain in evaluation order",
		Long: "Print the configured filter chain in evaluation order. With --record, " +
			"evaluate the chain against a session record read from a JSON file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load(v, *configFile)
			if err != nil {
				return err
			}
			filters := logic.Sorted(cfg.Filters)
			if recordFile == "" {
				return printFilters(cmd.OutOrStdout(), filters)
			}
			record, err := readRecord(recordFile)
			if err != nil {
				return err
			}
			return printEvaluation(cmd.OutOrStdout(), record, filters)
		},
	}
	cmd.Flags().StringVar(&recordFile, "record", "", "JSON session record to evaluate the filters against")
	return cmd
}

func printFilters(w io.Writer, filters []logic.FilterSpec) error {
	if len(filters) == 0 {
		_, err := fmt.Fprintln(w, "no filters configured, every playing event matches")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDX\tKEY\tOPERATOR\tVALUE\tTYPE")
	for _, f := range filters {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%s\n", f.Idx, f.Key, f.Operator, f.Value, valueType(f.ValueType))
	}
	return tw.Flush()
}

func printEvaluation(w io.Writer, record map[string]any, filters []logic.FilterSpec) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDX\tKEY\tOPERATOR\tVALUE\tSESSION\tRESULT")
	for _, r := range logic.Evaluate(record, filters) {
		result := "fail"
		if r.Matched {
			result = "pass"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%v\t%s\n", r.Filter.Idx, r.Filter.Key, r.Filter.Operator, r.Literal, r.Session, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	verdict := "no match"
	if logic.Matches(record, filters) {
		verdict = "match"
	}
	_, err := fmt.Fprintln(w, verdict)
	return err
}

func valueType(t logic.ValueType) string {
	switch t {
	case logic.TypeString, logic.TypeNumber, logic.TypeBool:
		return string(t)
	}
	return string(logic.TypeDefault)
}

func readRecord(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}
