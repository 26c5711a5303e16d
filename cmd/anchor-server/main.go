package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehr/anchor/internal/config"
	"github.com/ehr/anchor/internal/domain/anchoring"
	"github.com/ehr/anchor/internal/platform/db"
	"github.com/ehr/anchor/migrations"
)

// errUnverified makes `verify` exit non-zero when the payload does not match.
var errUnverified = errors.New("record is unverified")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "anchor-server",
		Short:         "Medical record anchoring service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(anchorCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(receiptsCmd())
	rootCmd.AddCommand(evictCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(walletCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the anchoring API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run receipt index migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			to, _ := cmd.Flags().GetInt("to")

			return withMigrator(cmd, schema, func(ctx context.Context, m *db.Migrator) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
				count, err := m.UpTo(ctx, to)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	upCmd.Flags().Int("to", 0, "Apply migrations up to this version (0 applies all)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			return withMigrator(cmd, schema, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", db.DefaultSchema, "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "WARNING: migrate down is not supported by the built-in runner.")
			fmt.Fprintln(cmd.OutOrStdout(), "Receipts are append-only; drop the anchor_receipt table manually if you must.")
			return nil
		},
	})

	return cmd
}

func withMigrator(cmd *cobra.Command, schema string, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}

	ctx := cmd.Context()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrations.FS, schema))
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// withApp loads the configuration, builds the anchoring service and runs
// fn with it. Logs go to stderr so stdout carries only the result.
func withApp(cmd *cobra.Command, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, newLogger(cmd.ErrOrStderr(), cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// readPayload reads the record from path, or from stdin when path is "-".
func readPayload(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return b, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func anchorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anchor FILE",
		Short: "Anchor a record's fingerprint and print the receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			issuer, _ := cmd.Flags().GetString("issuer")
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--subject is required")
			}
			payload, err := readPayload(cmd, args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !cmd.Flags().Changed("issuer") {
					if issuer, err = a.svc.DefaultIssuer(ctx, issuer); err != nil {
						return err
					}
				}
				rec, err := a.svc.Anchor(ctx, subject, issuer, payload)
				if err != nil {
					return err
				}
				code, err := anchoring.NewHandoff(rec).Encode()
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"receipt": rec,
					"handoff": code,
				})
			})
		},
	}
	cmd.Flags().String("subject", "", "Subject (patient) id the record belongs to")
	cmd.Flags().String("issuer", "anchor-cli", "Issuer id; defaults to the signing wallet's key hash on the ledger backend")
	return cmd
}

// receiptRef accepts a receipt id or a scanned record handoff code.
func receiptRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "HP1:") && !strings.HasPrefix(ref, "{") {
		return ref, nil
	}
	ho, err := anchoring.DecodeHandoff(ref)
	if err != nil {
		return "", err
	}
	if ho.Kind != anchoring.HandoffRecord {
		return "", fmt.Errorf("handoff does not reference a record")
	}
	return ho.ReceiptID, nil
}

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify RECEIPT_ID|HANDOFF FILE",
		Short: "Verify a record against its anchored receipt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, _ := cmd.Flags().GetString("expected-issuer")
			id, err := receiptRef(args[0])
			if err != nil {
				return err
			}
			payload, err := readPayload(cmd, args[1])
			if err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				res, err := a.svc.Verify(ctx, id, payload, expected)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), map[string]any{
					"status": res.Status(),
					"result": res,
				}); err != nil {
					return err
				}
				if !res.Matched {
					return errUnverified
				}
				return nil
			})
		},
	}
	cmd.Flags().String("expected-issuer", "", "Also require the receipt to have been issued by this id")
	return cmd
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show RECEIPT_ID",
		Short: "Print an anchored receipt and any locally stored payload",
		Long: `Print an anchored receipt as JSON. A locally stored payload is included
base64 encoded; --raw writes only the payload bytes instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := receiptRef(args[0])
			if err != nil {
				return err
			}
			raw, _ := cmd.Flags().GetBool("raw")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stored, err := a.svc.Resolve(ctx, id)
				if err != nil {
					return err
				}
				if raw {
					if stored.Payload == nil {
						return fmt.Errorf("receipt %s has no stored payload", id)
					}
					_, err := cmd.OutOrStdout().Write(stored.Payload)
					return err
				}
				out := map[string]any{"receipt": stored.Receipt}
				if stored.Payload != nil {
					out["payload"] = stored.Payload
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().Bool("raw", false, "Write the stored payload bytes to stdout")
	return cmd
}

func receiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "List the receipts indexed for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				entries, total, err := a.svc.ListBySubject(ctx, subject, limit, offset)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"data":  entries,
					"total": total,
				})
			})
		},
	}
	cmd.Flags().String("subject", "", "Subject (patient) id")
	cmd.Flags().Int("limit", 20, "Maximum number of receipts")
	cmd.Flags().Int("offset", 0, "Number of receipts to skip")
	return cmd
}

func evictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evict RECEIPT_ID",
		Short: "Remove a locally stored receipt and payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.Evict(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Evicted %s\n", args[0])
				return nil
			})
		},
	}
}

func handoffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Encode and decode scannable handoff codes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "decode CODE",
		Short: "Decode a scanned handoff code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ho, err := anchoring.DecodeHandoff(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ho)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "encode RECEIPT_ID",
		Short: "Print the handoff code for an anchored receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				code, _, err := a.svc.HandoffCode(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), code)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "patient SUBJECT_ID",
		Short: "Print a patient access handoff code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := anchoring.NewPatientAccessHandoff(args[0]).Encode()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
			return nil
		},
	})

	return cmd
}

func walletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Show the anchor backend and signing identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ids, err := a.svc.Identities(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"backend":    a.svc.BackendName(),
					"validator":  a.svc.ValidatorReference(),
					"identities": ids,
				})
			})
		},
	}
}
