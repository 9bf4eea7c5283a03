package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"subzz/internal/paytoken"
	"subzz/internal/provision"
	"subzz/internal/store"
)

var logger = zap.NewNop()

func main() {
	rootCmd := &cobra.Command{
		Use:           "subzz",
		Short:         "Subzz payment gateway - checkout proxy, payment tracking and subscription activation",
		Version:       appVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// A missing .env file is fine; the environment may be set directly.
			_ = godotenv.Load()
			l, err := newLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(revenueCmd())

	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the structured logger. LOG_FORMAT=json selects the
// production encoder; otherwise a coloured development encoder is used.
func newLogger(level, format string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level == "" {
		level = "info"
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(parsed)

	l, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l, nil
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, config *SubzzConfig) (*store.Store, error) {
	st, err := store.Open(ctx, config.DatabaseDriver, config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.requireTokenSecret(); err != nil {
				return err
			}
			signer, err := paytoken.NewSigner([]byte(config.TokenSecret), config.TokenTTL)
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer st.Close()

			var notifier provision.Notifier
			if config.TelegramBotToken != "" {
				tg, err := provision.NewTelegramNotifier(config.TelegramBotToken)
				if err != nil {
					return err
				}
				logger.Info("Telegram bot authenticated", zap.String("username", tg.Username()))
				notifier = tg
			} else {
				logger.Warn("TELEGRAM_BOT_TOKEN not set - subscriptions will be activated without invite links")
			}

			server := newServer(config, logger, serverDeps{
				Tokens:      signer,
				Store:       st,
				Provisioner: provision.New(st, notifier, logger.Named("provision")),
			})
			logger.Info("Subzz server initialized",
				zap.String("database_driver", st.Driver()),
				zap.String("checkout_host", config.CheckoutHost),
				zap.Bool("telegram_enabled", notifier != nil),
			)
			return server.serve()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("Database migrated", zap.String("driver", st.Driver()))
			return nil
		},
	}
}

// seedFile is the YAML layout accepted by the seed command.
type seedFile struct {
	Creators []store.Creator `yaml:"creators"`
}

func loadSeedFile(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i, c := range seed.Creators {
		if c.ID == "" {
			return nil, fmt.Errorf("creator %d has no id", i)
		}
	}
	return &seed, nil
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <creators.yaml>",
		Short: "Insert or update creators from a YAML file",
		Long: `Insert or update creators from a YAML file of the form:

  creators:
    - id: alice
      display_name: Alice
      telegram_chat_id: -1001234567890
      tier_price: 1000
      currency: ETB
      tier_days: 30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := loadSeedFile(args[0])
			if err != nil {
				return err
			}
			config, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer st.Close()

			for i := range seed.Creators {
				if err := st.UpsertCreator(cmd.Context(), &seed.Creators[i]); err != nil {
					return err
				}
			}
			logger.Info("Creators seeded", zap.Int("count", len(seed.Creators)))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var userID, creatorID, firstName, tier string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a payment token",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.requireTokenSecret(); err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = config.TokenTTL
			}
			signer, err := paytoken.NewSigner([]byte(config.TokenSecret), ttl)
			if err != nil {
				return err
			}
			token, err := signer.Issue(userID, creatorID, firstName, tier)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (Telegram user id for invite DMs)")
	cmd.Flags().StringVar(&creatorID, "creator", "", "creator id")
	cmd.Flags().StringVar(&firstName, "first-name", "", "payer first name")
	cmd.Flags().StringVar(&tier, "tier", "", "tier name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default PAYMENT_TOKEN_TTL_SECONDS)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("creator")
	return cmd
}

func revenueCmd() *cobra.Command {
	var creatorID string
	var limit int

	cmd := &cobra.Command{
		Use:   "revenue",
		Short: "List recent revenue events for a creator",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), config)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.RevenueEvents(cmd.Context(), creatorID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			totals := map[string]float64{}
			for _, ev := range events {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s %s\n",
					ev.CreatedAt.UTC().Format(time.RFC3339), ev.UserID, ev.SubscriptionID,
					strconv.FormatFloat(ev.Amount, 'f', -1, 64), ev.Currency)
				totals[ev.Currency] += ev.Amount
			}
			for currency, total := range totals {
				fmt.Fprintf(out, "total\t%s %s\n", strconv.FormatFloat(total, 'f', -1, 64), currency)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&creatorID, "creator", "", "creator id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	cmd.MarkFlagRequired("creator")
	return cmd
}
