package cmd

import (
	"fmt"
	"os"
	"strings"

	log "github.com/jensneuse/abstractlogger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	flagConfig   = "config"
	flagListen   = "listen"
	flagLogLevel = "log-level"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "storefront-mesh",
	Short: "storefront-mesh composes storefront GraphQL sources into one gateway schema",
	Long: `storefront-mesh introspects the configured upstream GraphQL services, applies their transforms,
merges the results into one schema and serves it over HTTP.

Flags can also be set from the environment with the MESH_ prefix, for example
MESH_CONFIG=/etc/mesh/mesh.yaml or MESH_LOG_LEVEL=debug.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String(flagConfig, "config/mesh.yaml", "path of the mesh configuration file")
	rootCmd.PersistentFlags().String(flagLogLevel, "info", "log level: debug, info, warn or error")
	_ = viper.BindPFlag(flagConfig, rootCmd.PersistentFlags().Lookup(flagConfig))
	_ = viper.BindPFlag(flagLogLevel, rootCmd.PersistentFlags().Lookup(flagLogLevel))
}

func initConfig() {
	viper.SetEnvPrefix("MESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// newLogger builds the zap backed logger. The returned function flushes it.
func newLogger(level string) (log.Logger, func(), error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, nil, fmt.Errorf("invalid %s %q: %w", flagLogLevel, level, err)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)
	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, err
	}

	return log.NewZapLogger(zapLogger, abstractLevel(zapLevel)), func() { _ = zapLogger.Sync() }, nil
}

func abstractLevel(level zapcore.Level) log.Level {
	switch level {
	case zapcore.DebugLevel:
		return log.DebugLevel
	case zapcore.InfoLevel:
		return log.InfoLevel
	case zapcore.WarnLevel:
		return log.WarnLevel
	default:
		return log.ErrorLevel
	}
}
