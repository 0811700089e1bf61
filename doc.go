/*
Package arbor is a goal-directed path planner. Given a persona (a decision maker
with a parameterized utility model), a start state and a catalog of actions with
probabilistic outcomes, it searches the sequences of actions most desirable to
that persona, groups them into clusters, and lets the caller commit a chosen
path into a persistent, append-only map of alternative futures (the universe map).

# Concept

A plan is a search run. It is created queued, runs on its own worker, publishes
interim results while it runs, and ends succeeded, partial, failed or cancelled.
Clusters of a finished plan can be expanded on demand. Any path of a succeeded
or partial plan can be branched: the universe map gains a new child node and an
edge recording which plan and path produced it. Existing nodes are never
rewritten; alternatives are forks.

# Usage

	svc, err := arbor.New("./personas",
		arbor.WithUniverseStore(memory.NewUniverse()),
	)
	if err != nil {
		log.Fatal(err)
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer svc.Close()

	plan, err := svc.RunPlan(ctx, arbor.PlanRequest{
		PersonaID: "investor",
		Config:    domain.DefaultPlanConfig(),
	})
	if err != nil {
		log.Fatal(err)
	}
	best := plan.Clusters[0].RepresentativeID
	res, err := svc.Branch(ctx, arbor.BranchRequest{PlanID: plan.ID, PathID: best})

Personas and catalogs come from a Loam repository by default; WithCatalog and
WithPersonas plug in other sources (see pkg/adapters/file and
pkg/adapters/memory). Plans and the universe map live in memory unless a
store from pkg/adapters/redis, pkg/adapters/sqlite or pkg/adapters/file is set.
*/
package arbor
