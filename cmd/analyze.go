package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quillreport/quill/internal/matcher"
	"github.com/quillreport/quill/internal/parser"
	"github.com/quillreport/quill/internal/queries"
)

var analyzeTemplateID string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <template-file>",
	Short: "Parse a template and preview field matches without executing anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		src, err := env.Sources.Get("")
		if err != nil {
			return err
		}
		schema, err := src.Schema(cmd.Context())
		if err != nil {
			return err
		}

		tokens := parser.Parse(string(data))
		fmt.Printf("%d placeholder(s) found\n\n", len(tokens))

		for _, tok := range tokens {
			fmt.Printf("%s\n", tok.RawText)
			if tok.IsError() {
				fmt.Printf("  PARSE ERROR: %s\n\n", tok.Diagnostic)
				continue
			}

			res := env.Matcher.Match(cmd.Context(), tok, schema, matcher.Options{})
			if res.BestMatch == nil {
				fmt.Printf("  no field match\n\n")
				continue
			}
			fmt.Printf("  type:       %s\n", tok.Type)
			fmt.Printf("  match:      %s.%s (confidence %.2f", res.BestMatch.Table, res.BestMatch.Column, res.Confidence)
			if res.Degraded {
				fmt.Printf(", degraded")
			}
			fmt.Printf(")\n")

			query, err := queries.Generate(*res.BestMatch, tok.Type)
			if err == nil {
				validation := queries.Validate(cmd.Context(), query, src, schema)
				marker := "valid"
				if !validation.Valid {
					marker = fmt.Sprintf("INVALID: %v", validation.Diagnostics)
				}
				fmt.Printf("  query:      %s\n", query)
				fmt.Printf("  validation: %s\n", marker)
			}
			fmt.Println()
		}

		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeTemplateID, "template-id", "cli", "template identifier used for config signatures")
	rootCmd.AddCommand(analyzeCmd)
}
