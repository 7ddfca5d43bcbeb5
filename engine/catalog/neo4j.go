package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/gamerec/pkg/repo"
)

// Neo4jSource loads games stored as graph nodes. Every node property except
// the id becomes an attribute; attribute order is Fields first, then the
// remaining properties sorted by name.
type Neo4jSource struct {
	reader   repo.Reader[Record, string]
	label    string
	pageSize int
}

// Neo4jOptions configures a Neo4jSource.
type Neo4jOptions struct {
	Label    string   // node label, default "Game"
	IDKey    string   // id property, default "id"
	Database string   // empty selects the server default
	Fields   []string // preferred attribute order
	PageSize int
}

// NewNeo4jSource builds a catalog source over driver.
func NewNeo4jSource(driver neo4j.DriverWithContext, opts Neo4jOptions) *Neo4jSource {
	if opts.Label == "" {
		opts.Label = "Game"
	}
	if opts.IDKey == "" {
		opts.IDKey = "id"
	}
	r := repo.NewNeo4jRepo[Record, string](driver, opts.Label, nodeDecoder(opts.IDKey, opts.Fields),
		repo.WithIDKey[Record, string](opts.IDKey),
		repo.WithDatabase[Record, string](opts.Database),
	)
	return newNeo4jSource(r, opts.Label, opts.PageSize)
}

func newNeo4jSource(r repo.Reader[Record, string], label string, pageSize int) *Neo4jSource {
	return &Neo4jSource{reader: r, label: label, pageSize: pageSize}
}

func (s *Neo4jSource) Name() string { return "neo4j:" + s.label }

func (s *Neo4jSource) Load(ctx context.Context) ([]Record, error) {
	records, err := repo.All(ctx, s.reader, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", s.Name(), err)
	}
	if err := Validate(records); err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	return records, nil
}

func nodeDecoder(idKey string, fields []string) func(*neo4j.Record) (Record, error) {
	return func(rec *neo4j.Record) (Record, error) {
		v, ok := rec.Get("n")
		if !ok {
			return Record{}, fmt.Errorf("catalog: neo4j record has no node")
		}
		node, ok := v.(neo4j.Node)
		if !ok {
			return Record{}, fmt.Errorf("catalog: neo4j value is %T, not a node", v)
		}
		return recordFromProps(idKey, fields, node.Props)
	}
}

func recordFromProps(idKey string, fields []string, props map[string]any) (Record, error) {
	rawID, ok := props[idKey]
	if !ok {
		return Record{}, fmt.Errorf("node without %q: %w", idKey, ErrEmptyID)
	}
	id := fmt.Sprint(rawID)

	attrs := make(map[string]string, len(props))
	for k, v := range props {
		if k == idKey {
			continue
		}
		attrs[k] = fmt.Sprint(v)
	}

	keys := make([]string, 0, len(attrs))
	placed := make(map[string]bool, len(fields))
	for _, f := range fields {
		if _, ok := attrs[f]; ok && !placed[f] {
			keys = append(keys, f)
			placed[f] = true
		}
	}
	rest := make([]string, 0, len(attrs))
	for k := range attrs {
		if !placed[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	keys = append(keys, rest...)
	return NewRecord(id, keys, attrs), nil
}
