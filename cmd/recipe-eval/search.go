package main

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ricesearch/recipe-eval/internal/search"
)

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search recipes with BM25",
		Long: `Search the recipe index and print each hit's title, score and an
ingredient preview. Uses BM25 with k1=0.9, b=0.4 unless overridden.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runSearch,
	}

	cmd.Flags().IntP("top-k", "k", 10, "number of results")
	cmd.Flags().Float64("k1", 0.9, "BM25 k1")
	cmd.Flags().Float64("b", 0.4, "BM25 b")
	cmd.Flags().Bool("json", false, "print results as JSON")

	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	topK, _ := cmd.Flags().GetInt("top-k")
	k1, _ := cmd.Flags().GetFloat64("k1")
	b, _ := cmd.Flags().GetFloat64("b")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, cancel := signalContext()
	defer cancel()

	rk, err := a.openRanker(ctx)
	if err != nil {
		return err
	}
	defer rk.Close()

	cfg := search.DefaultConfig()
	cfg.DefaultTopK = topK
	cfg.K1 = k1
	cfg.B = b
	svc := search.NewService(rk, a.log, cfg)

	resp, err := svc.Search(ctx, search.Request{Query: strings.Join(args, " ")})
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	return svc.WriteResults(cmd.OutOrStdout(), resp)
}
