package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/bazelment/yoloswe/rewind/changes"
	"github.com/bazelment/yoloswe/rewind/checkpoint"
)

var schemaTypes = map[string]func() any{
	"checkpoint": func() any { return &checkpoint.Checkpoint{} },
	"change":     func() any { return &changes.Record{} },
}

func schemaNames() []string {
	names := make([]string, 0, len(schemaTypes))
	for name := range schemaTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var schemaCmd = &cobra.Command{
	Use:       "schema {checkpoint|change}",
	Short:     "Print the JSON schema of a stored record",
	Args:      cobra.ExactArgs(1),
	ValidArgs: schemaNames(),
	RunE: func(_ *cobra.Command, args []string) error {
		data, err := recordSchema(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(append(data, '\n'))
		return err
	},
}

func recordSchema(name string) ([]byte, error) {
	newRecord, ok := schemaTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown record %q (want %s)", name, strings.Join(schemaNames(), " or "))
	}
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return json.MarshalIndent(reflector.Reflect(newRecord()), "", "  ")
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
