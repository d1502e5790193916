package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"credit-ledger/config"
	"credit-ledger/internal/auth"
	"credit-ledger/internal/database"
	"credit-ledger/internal/ledger"
	"credit-ledger/internal/ledger/memstore"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// catalog registers priced resources
type catalog interface {
	UpsertResource(ctx context.Context, res ledger.Resource) error
}

// backend is what the commands operate on
type backend struct {
	store   ledger.Store
	catalog catalog
	close   func()
}

// backendFactory opens the configured store; tests swap it for a memstore
type backendFactory func(ctx context.Context, cfg *config.Config) (*backend, error)

func defaultBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.LedgerConfig.Store == config.StoreMemory {
		store := memstore.New()
		return &backend{store: store, catalog: store, close: func() {}}, nil
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Name,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
		MaxConns: 4,
		MinConns: 1,
	})
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := database.NewLedgerStore(db)
	return &backend{store: store, catalog: store, close: db.Close}, nil
}

type cli struct {
	open    backendFactory
	cfg     *config.Config
	verbose bool
	format  string
}

func newRootCommand(open backendFactory) *cobra.Command {
	c := &cli{open: open}

	rootCmd := &cobra.Command{
		Use:           "codes-admin",
		Short:         "License code administration for the credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			switch c.format {
			case "table", "csv", "json":
				return nil
			}
			return fmt.Errorf("unknown output format %q (table, csv, json)", c.format)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log ledger activity to stderr")
	rootCmd.PersistentFlags().StringVarP(&c.format, "format", "o", "table", "Output format: table, csv or json")

	rootCmd.AddCommand(c.newGenerateCommand())
	rootCmd.AddCommand(c.newReportCommand())
	rootCmd.AddCommand(c.newResourceCommand())
	rootCmd.AddCommand(c.newTokenCommand())

	return rootCmd
}

// withService opens the backend, runs fn and closes it
func (c *cli) withService(cmd *cobra.Command, fn func(svc *ledger.Service, b *backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	b, err := c.open(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	defer b.close()

	logger := zerolog.Nop()
	if c.verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).With().Timestamp().Logger()
	}
	return fn(ledger.NewService(b.store, logger), b)
}

func (c *cli) newGenerateCommand() *cobra.Command {
	var (
		count     int
		typ       string
		value     int64
		minutes   int64
		articles  int64
		prefix    string
		createdBy string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Mint a batch of license codes",
		Example: `  codes-admin generate --count 20 --type universal --value 100 --prefix SPRING
  codes-admin generate --count 5 --type both --minutes 60 --articles 3 -o csv > codes.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			creditType, err := ledger.ParseCreditType(typ)
			if err != nil {
				return err
			}
			if createdBy != "" {
				if _, err := uuid.Parse(createdBy); err != nil {
					return fmt.Errorf("--created-by must be a user id: %w", err)
				}
			}
			return c.withService(cmd, func(svc *ledger.Service, _ *backend) error {
				result, err := svc.GenerateCodes(cmd.Context(), ledger.GenerateRequest{
					Count:        count,
					CreditType:   creditType,
					CreditValue:  value,
					VideoMinutes: minutes,
					ArticleCount: articles,
					Prefix:       prefix,
					CreatedBy:    createdBy,
				})
				if err != nil {
					return err
				}
				return c.writeCodes(cmd.OutOrStdout(), result.Codes)
			})
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of codes (1-100)")
	cmd.Flags().StringVarP(&typ, "type", "t", string(ledger.CreditTypeUniversal), "Credit type: universal, video, article or both")
	cmd.Flags().Int64Var(&value, "value", 0, "Universal credits per code")
	cmd.Flags().Int64Var(&minutes, "minutes", 0, "Video minutes per code")
	cmd.Flags().Int64Var(&articles, "articles", 0, "Article credits per code")
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Code prefix (default GIFT)")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "Admin user id recorded on the codes")

	return cmd
}

func (c *cli) newReportCommand() *cobra.Command {
	var (
		search string
		page   int
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "List license codes and their redemption state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withService(cmd, func(svc *ledger.Service, _ *backend) error {
				result, err := svc.LicenseReport(cmd.Context(), search, page, limit)
				if err != nil {
					return err
				}
				if c.format == "json" {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				if err := c.writeCodes(cmd.OutOrStdout(), result.Data); err != nil {
					return err
				}
				if c.format == "table" {
					p := result.Pagination
					fmt.Fprintf(cmd.OutOrStdout(), "\npage %d/%d, %d codes total\n", p.Page, p.Pages, p.Total)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&search, "search", "s", "", "Match against code or redeemer id")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&limit, "limit", 50, "Page size (max 100)")

	return cmd
}

func (c *cli) newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Manage priced articles and courses",
	}

	var (
		id      string
		title   string
		credits int64
	)
	add := &cobra.Command{
		Use:   "add <article|course>",
		Short: "Register or reprice an article or course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := ledger.ResourceType(strings.ToLower(args[0]))
			if !rt.Valid() {
				return fmt.Errorf("resource type must be article or course")
			}
			if id == "" {
				id = uuid.NewString()
			} else if _, err := uuid.Parse(id); err != nil {
				return fmt.Errorf("invalid resource id: %w", err)
			}

			return c.withService(cmd, func(_ *ledger.Service, b *backend) error {
				res := ledger.Resource{ID: id, Type: rt, Title: title, CreditsRequired: credits}
				if err := b.catalog.UpsertResource(cmd.Context(), res); err != nil {
					return err
				}
				if c.format == "json" {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) costs %d credits\n", rt, res.ID, res.Title, res.CreditsRequired)
				return nil
			})
		},
	}
	add.Flags().StringVar(&id, "id", "", "Resource id (generated when empty)")
	add.Flags().StringVar(&title, "title", "", "Display title")
	add.Flags().Int64Var(&credits, "credits", 0, "Credits required, 0 for free")

	cmd.AddCommand(add)
	return cmd
}

func (c *cli) newTokenCommand() *cobra.Command {
	var (
		userID string
		email  string
		admin  bool
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured secret (local testing)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.ServerConfig.Production {
				return fmt.Errorf("refusing to issue tokens with a production configuration")
			}
			if c.cfg.AuthConfig.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret (AUTH_JWT_SECRET) is not set")
			}
			if userID == "" {
				userID = uuid.NewString()
			}

			m := auth.NewJWTManager(c.cfg.AuthConfig.JWTSecret, c.cfg.AuthConfig.Issuer, ttl)
			token, err := m.GenerateAccessToken(auth.UserClaims{UserID: userID, Email: email, IsAdmin: admin})
			if err != nil {
				return err
			}

			if c.format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"user_id":      userID,
					"is_admin":     admin,
					"access_token": token,
					"expires_in":   m.GetAccessTokenDuration(),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id (generated when empty)")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the admin claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	return cmd
}

func (c *cli) writeCodes(w io.Writer, codes []ledger.LicenseCode) error {
	switch c.format {
	case "json":
		return writeJSON(w, codes)
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"code", "credit_type", "credit_value", "video_minutes", "article_count", "redeemed", "redeemed_by", "created_at"})
		for _, lc := range codes {
			_ = cw.Write([]string{
				lc.Code,
				string(lc.CreditType),
				strconv.FormatInt(lc.CreditValue, 10),
				strconv.FormatInt(lc.VideoMinutes, 10),
				strconv.FormatInt(lc.ArticleCount, 10),
				strconv.FormatBool(lc.Redeemed),
				lc.RedeemedBy,
				lc.CreatedAt.Format(time.RFC3339),
			})
		}
		cw.Flush()
		return cw.Error()
	default:
		for _, lc := range codes {
			state := "open"
			if lc.Redeemed {
				state = "redeemed by " + lc.RedeemedBy
			}
			fmt.Fprintf(w, "%-24s %-10s %s  %s\n", lc.Code, lc.CreditType, describeValue(lc), state)
		}
		return nil
	}
}

func describeValue(lc ledger.LicenseCode) string {
	switch lc.CreditType {
	case ledger.CreditTypeVideo:
		return fmt.Sprintf("%d min", lc.VideoMinutes)
	case ledger.CreditTypeArticle:
		return fmt.Sprintf("%d articles", lc.ArticleCount)
	case ledger.CreditTypeBoth:
		return fmt.Sprintf("%d min + %d articles", lc.VideoMinutes, lc.ArticleCount)
	default:
		return fmt.Sprintf("%d credits", lc.CreditValue)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
