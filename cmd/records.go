package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crestline-labs/dealflow/internal/attribution"
	"github.com/crestline-labs/dealflow/internal/model"
	"github.com/crestline-labs/dealflow/internal/store"
)

var (
	recordsOwner    string
	recordsArchived bool
	recordsJSON     bool
	recordsEditor   string
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and edit investment records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		owner := recordsOwner
		if owner == "" {
			owner = cfg.Pipeline.OwnerID
		}
		records, err := st.ListRecords(ctx, store.RecordFilter{
			OwnerID:         owner,
			IncludeArchived: recordsArchived,
			Limit:           500,
		})
		if err != nil {
			return err
		}

		if recordsJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(records)
		}
		for _, r := range records {
			marker := ""
			if r.IsArchived {
				marker = "\t[archived]"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s%s\n", r.ID, r.Name(), r.Firm(), marker)
		}
		return nil
	},
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <record-id>",
	Short: "Show a record's current values and sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		record, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return err
		}
		versions, err := attribution.New(st).CurrentValues(ctx, record.ID)
		if err != nil {
			return err
		}
		links, err := st.ListSourceLinks(ctx, record.ID)
		if err != nil {
			return err
		}

		if recordsJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"record":  record,
				"current": versions,
				"sources": links,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s / %s\n", record.ID, record.Name(), record.Firm())
		for field, v := range versions {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\t(%s, %s, %s)\n",
				field, v.Value, v.Source.Kind, v.Confidence, v.CreatedAt.Format("2006-01-02"))
		}
		for _, l := range links {
			fmt.Fprintf(cmd.OutOrStdout(), "  source document %s (%s)\n", l.DocumentID, l.Kind)
		}
		return nil
	},
}

var recordsHistoryCmd = &cobra.Command{
	Use:   "history <record-id> <field>",
	Short: "Show the full version history for one field",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		versions, err := st.AttributeHistory(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if recordsJSON {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(versions)
		}
		for _, v := range versions {
			current := " "
			if v.IsCurrent {
				current = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\t%s\t%s\t%s\n",
				current, v.CreatedAt.Format("2006-01-02 15:04"), v.Value, v.Source.Kind, v.Confidence)
		}
		return nil
	},
}

var recordsSetCmd = &cobra.Command{
	Use:   "set <record-id> <field> <value>",
	Short: "Manually set a field value",
	Long:  "Records a manual, verified-confidence version for the field. The previous value stays in history.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		editor := recordsEditor
		if editor == "" {
			editor = "cli"
		}
		version, err := attribution.New(st).Write(ctx, attribution.WriteRequest{
			RecordID: args[0],
			Field:    args[1],
			Value:    model.Scalar(args[2]),
			Source: model.Source{
				Kind:        model.SourceKindManual,
				DisplayName: editor,
			},
			Confidence: model.ConfidenceVerified,
		})
		if err != nil {
			return err
		}
		if version == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "empty value, nothing written")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote version %s\n", version.ID)
		return nil
	},
}

var recordsArchiveCmd = &cobra.Command{
	Use:   "archive <record-id>",
	Short: "Archive a record, removing it from matching and default listings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.ArchiveRecord(ctx, args[0])
	},
}

func init() {
	recordsCmd.PersistentFlags().StringVar(&recordsOwner, "owner", "", "owner id (default from config)")
	recordsCmd.PersistentFlags().BoolVar(&recordsJSON, "json", false, "output JSON")
	recordsListCmd.Flags().BoolVar(&recordsArchived, "archived", false, "include archived records")
	recordsSetCmd.Flags().StringVar(&recordsEditor, "editor", "", "name recorded as the manual source")
	recordsCmd.AddCommand(recordsListCmd, recordsShowCmd, recordsHistoryCmd, recordsSetCmd, recordsArchiveCmd)
	rootCmd.AddCommand(recordsCmd)
}
