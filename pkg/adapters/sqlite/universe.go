// Package sqlite implements the universe map store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aretw0/arbor/pkg/domain"
	_ "modernc.org/sqlite"
)

// Triggers reject UPDATE and DELETE, so the arena can only grow.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	parent_id  TEXT,
	doc        TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES nodes(id)
);

CREATE TABLE IF NOT EXISTS edges (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	from_node_id TEXT NOT NULL,
	to_node_id   TEXT NOT NULL REFERENCES nodes(id),
	plan_id      TEXT,
	path_id      TEXT,
	doc          TEXT NOT NULL,
	UNIQUE (plan_id, path_id)
);

CREATE INDEX IF NOT EXISTS edges_from ON edges(from_node_id, seq);

CREATE TRIGGER IF NOT EXISTS nodes_no_update BEFORE UPDATE ON nodes
BEGIN SELECT RAISE(ABORT, 'universe nodes are append-only'); END;
CREATE TRIGGER IF NOT EXISTS nodes_no_delete BEFORE DELETE ON nodes
BEGIN SELECT RAISE(ABORT, 'universe nodes are append-only'); END;
CREATE TRIGGER IF NOT EXISTS edges_no_update BEFORE UPDATE ON edges
BEGIN SELECT RAISE(ABORT, 'universe edges are append-only'); END;
CREATE TRIGGER IF NOT EXISTS edges_no_delete BEFORE DELETE ON edges
BEGIN SELECT RAISE(ABORT, 'universe edges are append-only'); END;
`

// Universe implements ports.UniverseStore.
type Universe struct {
	db *sql.DB
}

// Open opens a SQLite database and runs migrations.
// Writes go through a single connection, so concurrent appends serialize.
func Open(dbPath string) (*Universe, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Universe{db: db}, nil
}

// Close closes the underlying database connection.
func (u *Universe) Close() error {
	return u.db.Close()
}

// DB returns the underlying *sql.DB.
func (u *Universe) DB() *sql.DB {
	return u.db
}

// AppendRoot stores a parentless node.
func (u *Universe) AppendRoot(ctx context.Context, node domain.Node) error {
	if node.ParentID != "" {
		return domain.Invalid("node.parent_id", "must be empty for a root", node.ParentID)
	}
	return u.append(ctx, node, nil)
}

// AppendBranch stores a child node and its incoming edge in one transaction.
func (u *Universe) AppendBranch(ctx context.Context, node domain.Node, edge domain.Edge) error {
	if edge.ToNodeID != node.ID || edge.FromNodeID != node.ParentID {
		return domain.Invalid("edge", "must connect the node to its parent", edge.ID)
	}
	return u.append(ctx, node, &edge)
}

func (u *Universe) append(ctx context.Context, node domain.Node, edge *domain.Edge) error {
	nodeDoc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if node.ParentID != "" {
		ok, err := exists(ctx, tx, `SELECT 1 FROM nodes WHERE id = ?`, node.ParentID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFoundf("parent node %s", node.ParentID)
		}
	}
	if ok, err := exists(ctx, tx, `SELECT 1 FROM nodes WHERE id = ?`, node.ID); err != nil {
		return err
	} else if ok {
		return domain.Conflictf("node %s already exists", node.ID)
	}
	if edge != nil && edge.PlanID != "" && edge.PathID != "" {
		ok, err := exists(ctx, tx, `SELECT 1 FROM edges WHERE plan_id = ? AND path_id = ?`, edge.PlanID, edge.PathID)
		if err != nil {
			return err
		}
		if ok {
			return domain.Conflictf("path %s of plan %s is already branched", edge.PathID, edge.PlanID)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO nodes (id, parent_id, doc) VALUES (?, ?, ?)`,
		node.ID, nullable(node.ParentID), string(nodeDoc),
	); err != nil {
		return translate(err, "insert node")
	}
	if edge != nil {
		edgeDoc, err := json.Marshal(edge)
		if err != nil {
			return fmt.Errorf("marshal edge: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edges (id, from_node_id, to_node_id, plan_id, path_id, doc) VALUES (?, ?, ?, ?, ?, ?)`,
			edge.ID, edge.FromNodeID, edge.ToNodeID, nullable(edge.PlanID), nullable(edge.PathID), string(edgeDoc),
		); err != nil {
			return translate(err, "insert edge")
		}
	}

	if err := tx.Commit(); err != nil {
		return translate(err, "commit")
	}
	return nil
}

func exists(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup: %w", err)
	}
	return true, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// translate maps uniqueness violations to domain.ErrConflict.
func translate(err error, op string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return domain.Conflictf("%s: %v", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// GetNode returns a node.
func (u *Universe) GetNode(ctx context.Context, nodeID string) (domain.Node, error) {
	var doc string
	err := u.db.QueryRowContext(ctx, `SELECT doc FROM nodes WHERE id = ?`, nodeID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Node{}, domain.NotFoundf("node %s", nodeID)
	}
	if err != nil {
		return domain.Node{}, fmt.Errorf("get node: %w", err)
	}
	var node domain.Node
	if err := json.Unmarshal([]byte(doc), &node); err != nil {
		return domain.Node{}, fmt.Errorf("unmarshal node: %w", err)
	}
	return node, nil
}

// Children returns the outgoing edges of a node in insertion order.
func (u *Universe) Children(ctx context.Context, nodeID string) ([]domain.Edge, error) {
	if _, err := u.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	rows, err := u.db.QueryContext(ctx, `SELECT doc FROM edges WHERE from_node_id = ? ORDER BY seq`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()

	out := []domain.Edge{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		var e domain.Edge
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return nil, fmt.Errorf("unmarshal edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EdgeForPath returns the edge created from a plan path.
func (u *Universe) EdgeForPath(ctx context.Context, planID, pathID string) (domain.Edge, error) {
	var doc string
	err := u.db.QueryRowContext(ctx, `SELECT doc FROM edges WHERE plan_id = ? AND path_id = ?`, planID, pathID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Edge{}, domain.NotFoundf("no branch for path %s of plan %s", pathID, planID)
	}
	if err != nil {
		return domain.Edge{}, fmt.Errorf("get edge: %w", err)
	}
	var e domain.Edge
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return domain.Edge{}, fmt.Errorf("unmarshal edge: %w", err)
	}
	return e, nil
}

// Walk visits every node in insertion order with its outgoing edges.
func (u *Universe) Walk(ctx context.Context, fn func(domain.Node, []domain.Edge)) error {
	rows, err := u.db.QueryContext(ctx, `SELECT id FROM nodes ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("query nodes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan node: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range ids {
		node, err := u.GetNode(ctx, id)
		if err != nil {
			return err
		}
		children, err := u.Children(ctx, id)
		if err != nil {
			return err
		}
		fn(node, children)
	}
	return nil
}
