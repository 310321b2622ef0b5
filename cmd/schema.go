package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wundergraph/storefront-mesh/pkg/config"
	"github.com/wundergraph/storefront-mesh/pkg/introspection"
)

var schemaIntrospection bool

// schemaCmd represents the schema command
var schemaCmd = &cobra.Command{
	Use:     "schema",
	Short:   "schema fetches every source and prints the composed schema to std out",
	Example: "storefront-mesh schema --config config/mesh.yaml > mesh.graphql",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, flush, err := newLogger(viper.GetString(flagLogLevel))
		if err != nil {
			return err
		}
		defer flush()

		cfg, err := config.Load(viper.GetString(flagConfig), os.LookupEnv)
		if err != nil {
			return err
		}
		gw, err := newGateway(cfg, logger, gatewayOptions{})
		if err != nil {
			return err
		}
		if err := gw.Start(context.Background()); err != nil {
			return err
		}

		composed := gw.Schema()
		if schemaIntrospection {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(introspection.NewGenerator().Generate(composed.Schema))
		}
		_, err = io.WriteString(cmd.OutOrStdout(), composed.SDL)
		return err
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)

	schemaCmd.Flags().BoolVar(&schemaIntrospection, "introspection", false, "print the introspection result as JSON instead of SDL")
}
