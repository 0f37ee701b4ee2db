package nimctl

import (
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

// ConfigSchema describes the nimctl config file using its yaml field names.
func ConfigSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
		FieldNameTag:              "yaml",
	}
	schema := r.Reflect(&Config{})
	schema.Title = "nimctl configuration"
	schema.Description = "Contexts and display settings read by nimctl."
	return schema
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printJSON(cmd.OutOrStdout(), ConfigSchema())
	},
}

func init() {
	configCmd.AddCommand(configSchemaCmd)
}
