package router_test

import (
	"context"
	"fmt"
	"time"

	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/router"
	"github.com/normanking/conductor/pkg/types"
)

// ExampleComplexityRouter_Route demonstrates scoring with the default weights.
func ExampleComplexityRouter_Route() {
	r, _ := router.NewComplexityRouter(config.Default().Router)

	d, _ := r.Route(context.Background(), &types.Command{
		ID:       "c1",
		Type:     types.CommandGenerate,
		UserID:   "u1",
		Role:     "member",
		ThreadID: "t1",
		Signals: types.Signals{
			ToolCount:         2,
			EstimatedDuration: 450 * time.Second,
			DecisionPoints:    2,
			NeedsMemory:       true,
		},
	})

	fmt.Printf("Score: %.2f\n", d.Score)
	fmt.Printf("Tier: %s\n", d.Tier)
	fmt.Printf("Reason: %s\n", d.Reason)

	// Output:
	// Score: 0.50
	// Tier: B
	// Reason: scored
}

// ExampleComplexityRouter_Route_keyword demonstrates a keyword capped by the role ceiling.
func ExampleComplexityRouter_Route_keyword() {
	r, _ := router.NewComplexityRouter(config.Default().Router)

	d, _ := r.Route(context.Background(), &types.Command{
		ID:       "c2",
		Type:     types.CommandResearch,
		UserID:   "u1",
		Role:     "member",
		ThreadID: "t2",
		Payload:  map[string]any{"goal": "A comprehensive survey of retention law"},
	})

	fmt.Printf("Tier: %s\n", d.Tier)
	fmt.Printf("Reason: %s\n", d.Reason)
	fmt.Printf("Keyword: %s\n", d.Keyword)

	// Output:
	// Tier: B
	// Reason: ceiling-capped
	// Keyword: comprehensive
}
