package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crestline-labs/dealflow/internal/model"
)

var (
	ingestSubject string
	ingestSender  string
	ingestBody    string
	ingestOwner   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <pdf-path>...",
	Short: "Register documents for processing",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		owner := ingestOwner
		if owner == "" {
			owner = cfg.Pipeline.OwnerID
		}

		// Register concurrently but print in argument order.
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		docs := make([]*model.Document, len(args))

		for i, path := range args {
			g.Go(func() error {
				abs, err := filepath.Abs(path)
				if err != nil {
					return err
				}
				doc, err := st.CreateDocument(gCtx, model.Document{
					OwnerID:  owner,
					Filename: filepath.Base(abs),
					FilePath: abs,
					Subject:  ingestSubject,
					Sender:   ingestSender,
					BodyText: ingestBody,
				})
				if err != nil {
					return err
				}
				zap.L().Info("document registered",
					zap.String("document_id", doc.ID),
					zap.String("filename", doc.Filename),
				)
				docs[i] = doc
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for _, doc := range docs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", doc.ID, doc.Filename)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSubject, "subject", "", "originating email subject")
	ingestCmd.Flags().StringVar(&ingestSender, "sender", "", "originating email sender")
	ingestCmd.Flags().StringVar(&ingestBody, "body", "", "originating email body text")
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "owner id (default from config)")
	rootCmd.AddCommand(ingestCmd)
}
