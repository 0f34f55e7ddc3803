package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newEnvsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envs",
		Short: "Print declared environment names",
		Long: `Print every environment the document declares. Members of the
default environment list are marked with *.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			doc, err := loadDocument()
			if err != nil {
				return err
			}

			inDefault := make(map[string]bool, len(doc.Global.Envlist))
			for _, name := range doc.Global.Envlist {
				inDefault[name] = true
			}

			if jsonOutput {
				type env struct {
					Name    string `json:"name"`
					Default bool   `json:"default"`
				}
				out := make([]env, 0, len(doc.EnvNames()))
				for _, name := range doc.EnvNames() {
					out = append(out, env{Name: name, Default: inDefault[name]})
				}
				data, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			for _, name := range doc.EnvNames() {
				marker := " "
				if inDefault[name] {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, name)
			}
			return nil
		},
	}

	return cmd
}
