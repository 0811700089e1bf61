/*
Package domain contains the core domain models of the arbor planning engine.

It defines the decision-making Persona, the Action catalog with its closed set of
effects, candidate Paths and their Clusters, the Plan that owns one search run, and
the append-only Universe Map (Nodes and Edges). This package is kept pure and free of
I/O or persistence, following the Hexagonal Architecture used across the engine.

# Key Entities

  - Persona: utility weights, risk profile and constraints of a decision maker.
  - Action / Outcome / Effect: what can be done and how it changes the world.
  - Path: an ordered sequence of steps with its cumulative probability and utility.
  - PathCluster: a group of similar paths explored as a unit.
  - Plan: one search run with its status, clusters and paths.
  - Node / Edge: immutable records of the universe map; change is only ever a new child.
*/
package domain
