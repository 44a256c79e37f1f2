package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"

	"github.com/srg/isoshm/internal/isooshm"
)

func newLayoutCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Print the shared memory layout",
		Long: `Prints every structure both cores map onto the shared region, with field
offsets and sizes in declaration order. Firmware on either core must agree
with this output byte for byte.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "yaml" && format != "json" {
				return fmt.Errorf("invalid format '%s': must be one of [yaml json]", format)
			}
			cmd.SilenceUsage = true
			return writeLayout(cmd.OutOrStdout(), format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format (yaml, json)")
	return cmd
}

// layoutDocument keeps structures and fields in declaration order, which a
// plain map would lose.
func layoutDocument() *orderedmap.OrderedMap[string, any] {
	doc := orderedmap.New[string, any]()
	doc.Set("magic", fmt.Sprintf("%#08x", isooshm.Magic))
	doc.Set("version", isooshm.LayoutVersion)
	doc.Set("descriptor_offset", isooshm.DescriptorOffset)

	structs := orderedmap.New[string, any]()
	for _, s := range isooshm.Layout() {
		fields := orderedmap.New[string, any]()
		for _, f := range s.Fields {
			field := orderedmap.New[string, uint32]()
			field.Set("offset", f.Offset)
			field.Set("size", f.Size)
			fields.Set(f.Name, field)
		}
		st := orderedmap.New[string, any]()
		st.Set("size", s.Size)
		st.Set("fields", fields)
		structs.Set(s.Name, st)
	}
	doc.Set("structs", structs)
	return doc
}

func writeLayout(out io.Writer, format string) error {
	doc := layoutDocument()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
