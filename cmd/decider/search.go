package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"decider/api/internal/search"
	"decider/api/internal/taxonomy"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the candidates of a node, one query per stdin line",
	Long: `Search opens a node of the question tree and reads queries from stdin, one
per line. Input is debounced the same way the API debounces typing; each
applied result is printed as one JSON line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := cmd.Context()

		node := search.Node{}
		node.ID, _ = cmd.Flags().GetString("node")
		node.Version, _ = cmd.Flags().GetString("attack-version")
		node.TacticContext, _ = cmd.Flags().GetString("tactic")
		platforms, _ := cmd.Flags().GetStringSlice("platform")
		dataSources, _ := cmd.Flags().GetStringSlice("data-source")
		pageSize, _ := cmd.Flags().GetInt("limit")
		debounce, _ := cmd.Flags().GetDuration("debounce")
		if debounce <= 0 {
			debounce = cfg.SearchDebounce
		}
		if !taxonomy.IsVersion(node.Version) {
			return fmt.Errorf("--attack-version must look like vX.Y, got %q", node.Version)
		}

		rt, err := buildRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		answers, err := rt.client.Answers(ctx, taxonomy.AnswerQuery{
			Version:       node.Version,
			NodeID:        node.ID,
			TacticContext: node.TacticContext,
		})
		if err != nil {
			return err
		}
		candidates := search.FromAnswers(answers)
		rt.searcher.IndexNode(node, candidates)

		p := search.NewPipeline(node, candidates, rt.searcher, logger.Named("pipeline"))
		p.Update(func(s search.State) search.State {
			return s.WithPlatforms(platforms).WithDataSources(dataSources)
		})

		out := &resultPrinter{enc: json.NewEncoder(os.Stdout), limit: pageSize}
		run := func(ctx context.Context) {
			result, applied := p.Run(ctx)
			if applied {
				out.print(p.State(), result)
			}
		}
		scheduler := search.NewScheduler(ctx, debounce, run)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			query := scanner.Text()
			p.Update(func(s search.State) search.State { return s.WithQuery(query) })
			scheduler.Trigger()
		}
		scheduler.Stop()
		if err := scanner.Err(); err != nil {
			return err
		}
		// input ended inside the debounce window
		if state := p.State(); !out.printed(state.Query) {
			run(ctx)
		}
		return nil
	},
}

type resultLine struct {
	Query     string             `json:"query"`
	Status    search.Status      `json:"status"`
	PageCount int                `json:"pageCount"`
	Items     []search.Candidate `json:"items"`
}

type resultPrinter struct {
	mu    sync.Mutex
	enc   *json.Encoder
	limit int
	last  *string
}

func (r *resultPrinter) print(state search.State, result search.Result) {
	items, _ := result.View.Page(1)
	if r.limit > 0 && len(items) > r.limit {
		items = items[:r.limit]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	query := state.Query
	r.last = &query
	_ = r.enc.Encode(resultLine{
		Query:     state.Query,
		Status:    result.Status,
		PageCount: result.View.PageCount,
		Items:     items,
	})
}

func (r *resultPrinter) printed(query string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last != nil && *r.last == query
}

func init() {
	searchCmd.Flags().String("node", taxonomy.RootNode, "node id (tactic or technique), or start for the overview")
	searchCmd.Flags().String("attack-version", "", "ATT&CK version tag, e.g. v14.1")
	searchCmd.Flags().String("tactic", "", "tactic context of a technique node")
	searchCmd.Flags().StringSlice("platform", nil, "platform filter (repeatable)")
	searchCmd.Flags().StringSlice("data-source", nil, "data source filter (repeatable)")
	searchCmd.Flags().Int("limit", 10, "items printed per result, 0 for the whole first page")
	searchCmd.Flags().Duration("debounce", 0, "debounce delay (default: search_debounce setting)")
	_ = searchCmd.MarkFlagRequired("attack-version")

	rootCmd.AddCommand(searchCmd)
}

