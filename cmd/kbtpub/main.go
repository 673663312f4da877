package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/kbtpub/pkg/keys"
	"github.com/jacktea/kbtpub/pkg/naming"
	"github.com/jacktea/kbtpub/pkg/uploader"
	"github.com/jacktea/kbtpub/pkg/wire"
)

var (
	cfgFile string
	logger  = slog.Default()
	rootCmd = &cobra.Command{
		Use:           "kbtpub",
		Short:         "Publish files under stable per-item content addresses",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := newLogger(cmd.ErrOrStderr(), viper.GetString("log_level"))
			if err != nil {
				return err
			}
			logger = l
			slog.SetDefault(l)
			return nil
		},
	}
)

// Action inputs arrive as INPUT_<NAME> when run as a workflow step.
var actionInputs = map[string]string{
	"secret":    "INPUT_SECRET",
	"glob":      "INPUT_GLOB",
	"as":        "INPUT_AS",
	"published": "INPUT_PUBLISHED",
	"namespec":  "INPUT_NAMESPEC",
	"limit":     "INPUT_LIMIT",
}

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("kbtpub")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "kbtpub"))
		}
	}
	viper.SetEnvPrefix("KBTPUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	bindActionInputs()
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindActionInputs() {
	for key, input := range actionInputs {
		env := "KBTPUB_" + strings.ToUpper(key)
		if err := viper.BindEnv(key, env, input); err != nil {
			panic(err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (TOML or YAML)")

	flags.String("secret", "", "base64 protobuf-encoded master private key")
	flags.String("namespec", naming.SpecPath, "how human names are derived from paths")
	flags.String("endpoint", wire.DefaultEndpoint, "content API base URL")
	flags.String("api-key", "", "API key sent as "+wire.HeaderAPIKey)
	flags.String("root", ".", "directory globs and paths are resolved against")
	flags.String("journal", "", "path to the receipt journal (empty disables)")
	flags.String("output", "json", "result format: json|yaml")
	flags.String("log-level", "info", "log level: debug|info|warn|error")

	bindConfig("secret", flags.Lookup("secret"))
	bindConfig("namespec", flags.Lookup("namespec"))
	bindConfig("endpoint", flags.Lookup("endpoint"))
	bindConfig("api_key", flags.Lookup("api-key"))
	bindConfig("root", flags.Lookup("root"))
	bindConfig("journal", flags.Lookup("journal"))
	bindConfig("output", flags.Lookup("output"))
	bindConfig("log_level", flags.Lookup("log-level"))
}

func initCommands() {
	rootCmd.AddCommand(
		newPublishCmd(),
		newNameCmd(),
		newServeDevCmd(),
		newJournalCmd(),
	)
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func newNameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "name <path-or-name>",
		Short: "Print the content address and upload URL for an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doName(cmd.OutOrStdout(), nameOptions{
				Secret:   viper.GetString("secret"),
				NameSpec: viper.GetString("namespec"),
				Endpoint: viper.GetString("endpoint"),
			}, args[0])
		},
	}
}

type nameOptions struct {
	Secret   string
	NameSpec string
	Endpoint string
}

func doName(w io.Writer, opts nameOptions, path string) error {
	human, err := naming.HumanName(opts.NameSpec, path)
	if err != nil {
		return err
	}
	priv, err := keys.DeriveFromSecret(opts.Secret, human)
	if err != nil {
		return err
	}
	addr, err := naming.ContentAddress(priv.GetPublic())
	if err != nil {
		return err
	}
	client, err := uploader.New(uploader.Config{Endpoint: opts.Endpoint})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "human\t%s\naddress\t%s\nurl\t%s\n", human, addr, client.URL(addr))
	return err
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
