package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crucible-run/crucible/pkg/engine"
	"github.com/crucible-run/crucible/pkg/resolve"
)

func newListCommand() *cobra.Command {
	var (
		envs   []string
		format string
	)

	cmd := &cobra.Command{
		Use:   "list [-e env,...]",
		Short: "Resolve and print environment specs without executing them",
		Long: `Resolve the selected environments -- inheritance, factors, and
placeholder substitution included -- and print the resulting specs.
Nothing is executed and no sandboxes are touched.`,
		Example: `  # List the default environment list
  crucible list

  # List every declared environment as YAML
  crucible list -e ALL -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc, err := loadDocument()
			if err != nil {
				return err
			}

			tel, err := newTelemetry(cmd.Root().Version, "")
			if err != nil {
				return err
			}
			ctx := tel.WithContext(cmd.Context())

			resolver := resolve.New(doc, tel.Logger.Zerolog())
			names := selectEnvNames(resolver, envs)

			specs := make([]*engine.EnvSpec, 0, len(names))
			for _, name := range names {
				spec, err := resolver.Resolve(ctx, name)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}

			reportPolicyFindings(ctx, specs)

			switch format {
			case "json":
				data, err := json.MarshalIndent(specs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			case "yaml":
				data, err := yaml.Marshal(specs)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
			case "text":
				printSpecs(specs)
			default:
				return fmt.Errorf("unknown output format %q (expected text, json, or yaml)", format)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&envs, "env", "e", nil, "environments to list (ALL for every declared environment)")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format (text, json, yaml)")

	return cmd
}

// selectEnvNames expands a requested environment list the same way a run
// does: empty means the configured default list, ALL means every declared
// environment. Unknown names fail later at resolution.
func selectEnvNames(r *resolve.Resolver, requested []string) []string {
	if len(requested) == 0 {
		return r.DefaultList()
	}
	for _, name := range requested {
		if name == engine.AllEnvs {
			return r.Names()
		}
	}
	return requested
}

func printSpecs(specs []*engine.EnvSpec) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENV\tINTERPRETER\tDEPS\tCOMMANDS\tDESCRIPTION")
	for _, spec := range specs {
		commands := make([]string, 0, len(spec.Commands))
		for _, c := range spec.Commands {
			commands = append(commands, strings.Join(c.Argv, " "))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			spec.Name,
			spec.Interpreter,
			len(spec.Deps),
			strings.Join(commands, "; "),
			spec.Description,
		)
	}
	_ = w.Flush()
}
