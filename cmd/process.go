package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crestline-labs/dealflow/internal/model"
)

var (
	processWorkers int
	processOwner   string
	processRedrive bool
)

var processCmd = &cobra.Command{
	Use:   "process [document-id]...",
	Short: "Drive pending documents through the pipeline",
	Long: `Processes the given documents, or every pending document for the owner when
none are named. With --redrive, documents stranded mid-pipeline by a crash
(converting, converted, extracting) are reset to pending and retried.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		owner := processOwner
		if owner == "" {
			owner = cfg.Pipeline.OwnerID
		}

		ids := args
		if len(ids) == 0 {
			ids, err = pendingDocumentIDs(cmd, env, owner)
			if err != nil {
				return err
			}
		}
		if len(ids) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to process")
			return nil
		}

		workers := processWorkers
		if workers == 0 {
			workers = cfg.Pipeline.Workers
		}

		result, err := env.Orchestrator.ProcessBatch(ctx, ids, workers)
		if err != nil {
			return err
		}

		for _, outcome := range result.Outcomes {
			line := fmt.Sprintf("%s\t%s", outcome.DocumentID, outcome.Status)
			if outcome.RecordID != "" {
				line += "\trecord=" + outcome.RecordID
				if outcome.Created {
					line += " (new)"
				}
			}
			if outcome.Error != "" {
				line += "\terror=" + outcome.Error
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "completed=%d skipped=%d failed=%d\n",
			result.Completed, result.Skipped, result.Failed)
		return nil
	},
}

// pendingDocumentIDs lists documents awaiting processing. With --redrive it
// also resets documents left in a non-terminal state by an earlier run; each
// stage commits before the next, so a reset never loses attributed data.
func pendingDocumentIDs(cmd *cobra.Command, env *pipelineEnv, owner string) ([]string, error) {
	ctx := cmd.Context()

	if processRedrive {
		for _, status := range []model.DocumentStatus{
			model.DocStatusConverting,
			model.DocStatusConverted,
			model.DocStatusExtracting,
		} {
			stuck, err := env.Store.ListDocumentsByStatus(ctx, owner, status)
			if err != nil {
				return nil, err
			}
			for _, doc := range stuck {
				if err := env.Store.TransitionDocument(ctx, doc.ID, model.DocStatusPending, ""); err != nil {
					return nil, err
				}
				zap.L().Info("redriving stuck document",
					zap.String("document_id", doc.ID),
					zap.String("was", string(status)),
				)
			}
		}
	}

	pending, err := env.Store.ListDocumentsByStatus(ctx, owner, model.DocStatusPending)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(pending))
	for _, doc := range pending {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

func init() {
	processCmd.Flags().IntVar(&processWorkers, "workers", 0, "concurrent documents (default from config)")
	processCmd.Flags().StringVar(&processOwner, "owner", "", "owner id (default from config)")
	processCmd.Flags().BoolVar(&processRedrive, "redrive", false, "reset documents stuck mid-pipeline and retry them")
	rootCmd.AddCommand(processCmd)
}
