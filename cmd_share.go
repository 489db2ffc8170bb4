package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zsprackett/agent-relay/internal/config"
	"github.com/zsprackett/agent-relay/internal/share"
	"github.com/zsprackett/agent-relay/internal/slug"
)

var (
	shareUpload bool
	shareFormat string
	shareOut    string
)

func init() {
	shareCmd.Flags().BoolVar(&shareUpload, "upload", false, "publish to the configured share provider")
	shareCmd.Flags().StringVar(&shareFormat, "format", "html", "output format: html or markdown")
	shareCmd.Flags().StringVarP(&shareOut, "out", "o", "", "write the export to this file instead of stdout")
	rootCmd.AddCommand(shareCmd)
}

var shareCmd = &cobra.Command{
	Use:   "share <id>",
	Short: "Export a persisted session as a replay document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]
		p, err := openStorage(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", share.Message(share.ErrStorageNotConfigured), err)
		}
		defer p.Close()

		switch shareFormat {
		case "markdown", "md":
			meta, err := p.GetSessionMetadata(ctx, id)
			if err != nil {
				return fmt.Errorf("session %s: %w", id, err)
			}
			evs, err := p.GetSessionEvents(ctx, id)
			if err != nil {
				return fmt.Errorf("events for %s: %w", id, err)
			}
			md, err := share.RenderMarkdown(evs, *meta)
			if err != nil {
				return err
			}
			return writeExport([]byte(md))
		case "html":
		default:
			return fmt.Errorf("unknown format %q", shareFormat)
		}

		gen, err := slug.New(cfg.Slug)
		if err != nil {
			return err
		}
		svc := share.New(share.Config{
			ProviderURL: cfg.Share.Provider,
			StaticPath:  cfg.Server.StaticPath,
			Timeout:     config.Duration(cfg.Share.Timeout, 0),
		}, p)
		res := svc.ShareSession(ctx, id, shareUpload, gen, serverInfo())
		if !res.Success {
			return fmt.Errorf("share %s: %s", id, res.Error)
		}
		if res.URL != "" {
			fmt.Println(res.URL)
			return nil
		}
		if shareUpload {
			fmt.Fprintln(os.Stderr, "no share provider configured, writing the document locally")
		}
		return writeExport([]byte(res.HTML))
	},
}

func writeExport(data []byte) error {
	if shareOut == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(shareOut, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", shareOut)
	return nil
}
