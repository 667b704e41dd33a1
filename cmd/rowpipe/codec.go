package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/rowpipe/internal/pipeline"
	"github.com/ajitpratap0/rowpipe/pkg/errors"
	"github.com/ajitpratap0/rowpipe/pkg/insert"
	"github.com/ajitpratap0/rowpipe/pkg/json"
	"github.com/ajitpratap0/rowpipe/pkg/metrics"
	"github.com/ajitpratap0/rowpipe/pkg/rowbinary"
	"github.com/ajitpratap0/rowpipe/pkg/sink"
)

func newPlanCmd(a *app) *cobra.Command {
	var schemaFile, format string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how rows of a table are resolved and sent",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, plan, err := loadPlan(schemaFile)
			if err != nil {
				return err
			}
			override, err := formatOverride(schema, format)
			if err != nil {
				return err
			}
			resolved := insert.Resolve(plan, override)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Table:   %s\n", schema.QualifiedTable())
			fmt.Fprintf(out, "Format:  %s\n", resolved)
			fmt.Fprintf(out, "Binary:  %t\n", plan.CanUseBinary())
			fmt.Fprintf(out, "Compact: %t\n", plan.CanUseCompactOrBinary())
			fmt.Fprintf(out, "Query:   %s\n\n", sink.InsertQuery(schema.QualifiedTable(), plan.ColumnNames(), resolved))
			fmt.Fprintf(out, "%-20s %-20s %-40s %s\n", "KEY", "COLUMN", "TYPE", "DEFAULT")
			for _, col := range plan.Columns() {
				fmt.Fprintf(out, "%-20s %-20s %-40s %s\n", col.Key, col.Column.Name, col.Type.String(), describeDefault(col))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&schemaFile, "schema", "s", "", "Path to the table schema YAML (required)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Force a format (auto, RowBinary, JSONEachRow, JSONCompactEachRow)")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func newEncodeCmd(a *app) *cobra.Command {
	var schemaFile, input, output string
	var workers bool

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode JSON rows to a RowBinary file",
		Long: `Encode reads newline-delimited JSON objects, applies the table's defaults and
transforms, and writes the RowBinary body ClickHouse would receive.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, plan, err := loadPlan(schemaFile)
			if err != nil {
				return err
			}
			if !plan.CanUseBinary() {
				return errors.New(errors.ErrorTypeValidation,
					"this table cannot be sent as RowBinary; run plan to see which format it uses")
			}
			rows, err := readRows(input)
			if err != nil {
				return err
			}
			processed, _, err := plan.ProcessBatch(rows, insert.FormatRowBinary)
			if err != nil {
				return err
			}

			var body []byte
			if workers {
				body, err = encodeWithPool(cmd.Context(), a, plan, processed)
			} else {
				w := rowbinary.AcquireWriter()
				defer rowbinary.ReleaseWriter(w)
				if err = plan.RowCodec().EncodeRows(w, processed); err == nil {
					body = w.Finalize()
				}
			}
			if err != nil {
				return err
			}
			metrics.BytesEncoded.Add(float64(len(body)))

			out, err := openOutput(output, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer out.Close()
			if _, err := out.Write(body); err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, "write output")
			}
			a.log.Info("encoded rows", zap.Int("rows", len(processed)), zap.Int("bytes", len(body)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&schemaFile, "schema", "s", "", "Path to the table schema YAML (required)")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "JSON lines input file")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "RowBinary output file")
	cmd.Flags().BoolVar(&workers, "workers", false, "Encode on the worker pool")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func newDecodeCmd(a *app) *cobra.Command {
	var schemaFile, input, output string

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode a RowBinary file to JSON rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, plan, err := loadPlan(schemaFile)
			if err != nil {
				return err
			}
			in, err := openInput(input)
			if err != nil {
				return err
			}
			defer in.Close()
			data, err := readAll(in)
			if err != nil {
				return err
			}

			decoded, err := plan.RowCodec().DecodeAll(data)
			if err != nil {
				return err
			}
			names := plan.ColumnNames()
			docs := make([]any, len(decoded))
			for i, row := range decoded {
				obj := make(map[string]any, len(names))
				for j, name := range names {
					obj[name] = row[j]
				}
				docs[i] = obj
			}

			out, err := openOutput(output, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer out.Close()
			if err := json.WriteLines(out, docs); err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, "write output")
			}
			a.log.Debug("decoded rows", zap.Int("rows", len(decoded)), zap.Int("bytes", len(data)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&schemaFile, "schema", "s", "", "Path to the table schema YAML (required)")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "RowBinary input file")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "JSON lines output file")
	_ = cmd.MarkFlagRequired("schema")
	return cmd
}

func loadPlan(path string) (*insert.TableSchema, *insert.Plan, error) {
	schema, err := insert.LoadSchema(path)
	if err != nil {
		return nil, nil, err
	}
	plan, err := schema.Plan()
	if err != nil {
		return nil, nil, err
	}
	return schema, plan, nil
}

// formatOverride picks the flag, then the schema's format.
func formatOverride(schema *insert.TableSchema, flag string) (insert.Format, error) {
	if flag != "" {
		return insert.ParseFormat(flag)
	}
	return schema.InsertFormat(), nil
}

func describeDefault(col *insert.PreparedColumn) string {
	switch col.DefaultKind {
	case insert.DefaultStatic:
		return fmt.Sprintf("static %v", col.Static)
	case insert.DefaultGeneratedID:
		return "uuid " + string(col.IDVersion)
	case insert.DefaultComputed:
		return "computed"
	}
	if col.DefaultExpr != "" {
		return "server " + col.DefaultExpr
	}
	if col.ServerGenerated {
		return "server"
	}
	return "-"
}

func encodeWithPool(ctx context.Context, a *app, plan *insert.Plan, rows []any) ([]byte, error) {
	pool, err := pipeline.NewWorkerPool(plan.WireColumns(), pipeline.PoolConfig{
		Size:          a.cfg.Workers.Size,
		MaxQueueDepth: a.cfg.Workers.MaxQueueDepth,
		Logger:        a.log,
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pool.Shutdown(context.Background()) }()
	return pool.Encode(ctx, rows)
}
