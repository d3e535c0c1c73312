package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/iNandix/denis-unified-v1-sub002/pkg/config"
)

// Labels and relationship types are interpolated into Cypher (they cannot
// be parameters), so they are restricted to identifier shape.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Client is the Neo4j-backed Writer. When disabled every call is a no-op
// returning nil, so the materializer can run unchanged without a graph.
type Client struct {
	enabled      bool
	driver       neo4j.DriverWithContext
	writeTimeout time.Duration
	readTimeout  time.Duration

	mu           sync.Mutex
	lastOkTS     string
	lastErrTS    string
	errorsWindow atomic.Int64
}

// NewClient connects to Neo4j per cfg. With GraphEnabled=false it returns a
// disabled client and never dials.
func NewClient(cfg config.Config) (*Client, error) {
	c := &Client{
		enabled:      cfg.GraphEnabled,
		writeTimeout: cfg.GraphWriteTimeout,
		readTimeout:  cfg.GraphReadTimeout,
	}
	if !cfg.GraphEnabled {
		return c, nil
	}

	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
		func(conf *neo4j.Config) {
			conf.SocketConnectTimeout = cfg.GraphConnectTimeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	c.driver = driver
	slog.Info("Graph client connected", "uri", cfg.Neo4jURI)
	return c, nil
}

// Close releases the underlying driver.
func (c *Client) Close(ctx context.Context) error {
	if c.driver == nil {
		return nil
	}
	return c.driver.Close(ctx)
}

// Enabled reports whether graph writes are live.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Status returns the connection health snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Enabled:      c.enabled,
		LastOkTS:     c.lastOkTS,
		LastErrTS:    c.lastErrTS,
		ErrorsWindow: c.errorsWindow.Load(),
	}
}

// MergeNode implements Writer.
func (c *Client) MergeNode(ctx context.Context, label, id string, props map[string]any) error {
	if !c.enabled {
		return nil
	}
	if err := validIdentity(label, id); err != nil {
		return err
	}
	if !identPattern.MatchString(label) {
		return fmt.Errorf("graph: invalid label %q", label)
	}

	cypher := fmt.Sprintf("MERGE (n:%s {id: $id}) SET n += $props", label)
	return c.write(ctx, cypher, map[string]any{"id": id, "props": nonNilProps(props)})
}

// MergeEdge implements Writer.
func (c *Client) MergeEdge(ctx context.Context, fromLabel, fromID, relType, toLabel, toID string, props map[string]any) error {
	if !c.enabled {
		return nil
	}
	if err := validIdentity(fromLabel, fromID); err != nil {
		return err
	}
	if err := validIdentity(toLabel, toID); err != nil {
		return err
	}
	for _, ident := range []string{fromLabel, relType, toLabel} {
		if !identPattern.MatchString(ident) {
			return fmt.Errorf("graph: invalid identifier %q", ident)
		}
	}

	cypher := fmt.Sprintf(
		"MERGE (a:%s {id: $from_id}) MERGE (b:%s {id: $to_id}) MERGE (a)-[r:%s]->(b) SET r += $props",
		fromLabel, toLabel, relType)
	return c.write(ctx, cypher, map[string]any{
		"from_id": fromID,
		"to_id":   toID,
		"props":   nonNilProps(props),
	})
}

// ReadNode implements Writer.
func (c *Client) ReadNode(ctx context.Context, label, id string) (map[string]any, error) {
	if !c.enabled {
		return nil, nil
	}
	if err := validIdentity(label, id); err != nil {
		return nil, err
	}
	if !identPattern.MatchString(label) {
		return nil, fmt.Errorf("graph: invalid label %q", label)
	}

	readCtx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	session := c.driver.NewSession(readCtx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(readCtx)

	cypher := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN properties(n) AS props", label)
	result, err := session.ExecuteRead(readCtx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(readCtx, cypher, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		record, err := res.Single(readCtx)
		if err != nil {
			return nil, err
		}
		props, _ := record.Get("props")
		return props, nil
	})
	if err != nil {
		if neo4j.IsNeo4jError(err) {
			c.markErr()
		}
		// Absent node is not a failure.
		return nil, nil
	}
	c.markOk()
	props, _ := result.(map[string]any)
	return props, nil
}

// write runs one MERGE statement in a write session with the write timeout.
func (c *Client) write(ctx context.Context, cypher string, params map[string]any) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	session := c.driver.NewSession(writeCtx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(writeCtx)

	_, err := session.ExecuteWrite(writeCtx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(writeCtx, cypher, params)
	})
	if err != nil {
		c.markErr()
		return fmt.Errorf("graph write failed: %w", err)
	}
	c.markOk()
	return nil
}

func (c *Client) markOk() {
	c.mu.Lock()
	c.lastOkTS = nowTS()
	c.mu.Unlock()
	c.errorsWindow.Store(0)
}

func (c *Client) markErr() {
	c.mu.Lock()
	c.lastErrTS = nowTS()
	c.mu.Unlock()
	c.errorsWindow.Add(1)
}

// nonNilProps avoids sending a nil map as a Cypher parameter.
func nonNilProps(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return props
}
