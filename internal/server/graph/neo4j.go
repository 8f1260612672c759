package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jStore keeps the current version of each instance as an :Instance
// node. It does not retain history.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// Neo4jConfig holds Neo4j connection configuration
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// NewNeo4j connects to Neo4j and creates the instance constraints.
func NewNeo4j(ctx context.Context, cfg Neo4jConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	// Verify connectivity
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	s := &Neo4jStore{driver: driver, database: database}
	if err := s.ensureIndexes(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Neo4jStore) ensureIndexes(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE CONSTRAINT instance_guid IF NOT EXISTS FOR (n:Instance) REQUIRE n.guid IS UNIQUE`,
		`CREATE INDEX instance_type IF NOT EXISTS FOR (n:Instance) ON (n.typeGUID)`,
		`CREATE INDEX instance_ends IF NOT EXISTS FOR (n:Instance) ON (n.end1, n.end2)`,
	} {
		if _, err := neo4j.ExecuteQuery(ctx, s.driver, stmt, nil, neo4j.EagerResultTransformer,
			neo4j.ExecuteQueryWithDatabase(s.database)); err != nil {
			return fmt.Errorf("creating neo4j schema: %w", err)
		}
	}
	return nil
}

// Close closes the Neo4j connection
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// RetainsHistory implements Store.
func (s *Neo4jStore) RetainsHistory() bool {
	return false
}

// Current implements Store.
func (s *Neo4jStore) Current(ctx context.Context, guid string) (*Record, error) {
	records, err := s.read(ctx, `MATCH (n:Instance {guid: $guid}) RETURN n.body AS body`, map[string]any{"guid": guid})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

// AsOf implements Store.
func (s *Neo4jStore) AsOf(ctx context.Context, guid string, t time.Time) (*Record, error) {
	return nil, ErrHistoryNotSupported
}

// History implements Store.
func (s *Neo4jStore) History(ctx context.Context, guid string) ([]*Record, error) {
	return nil, ErrHistoryNotSupported
}

// Put implements Store. The node is replaced by the new version.
func (s *Neo4jStore) Put(ctx context.Context, rec *Record) error {
	h := rec.Header()
	if h.GUID == "" {
		return fmt.Errorf("record has no guid")
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	end1, end2 := rec.Ends()

	query := `
		MERGE (n:Instance {guid: $guid})
		SET n.kind = $kind,
		    n.version = $version,
		    n.typeGUID = $typeGUID,
		    n.homeID = $homeID,
		    n.status = $status,
		    n.end1 = $end1,
		    n.end2 = $end2,
		    n.validFrom = datetime($validFrom),
		    n.body = $body
	`
	params := map[string]any{
		"guid":      h.GUID,
		"kind":      string(rec.Kind),
		"version":   h.Version,
		"typeGUID":  h.Type.TypeDefGUID,
		"homeID":    h.MetadataCollectionID,
		"status":    string(h.Status),
		"end1":      end1,
		"end2":      end2,
		"validFrom": rec.ValidFrom.Format(time.RFC3339Nano),
		"body":      string(body),
	}
	return s.write(ctx, query, params)
}

// Purge implements Store.
func (s *Neo4jStore) Purge(ctx context.Context, guid string) error {
	if _, err := s.Current(ctx, guid); err != nil {
		return err
	}
	return s.write(ctx, `MATCH (n:Instance {guid: $guid}) DETACH DELETE n`, map[string]any{"guid": guid})
}

// Rename implements Store.
func (s *Neo4jStore) Rename(ctx context.Context, guid, newGUID string) error {
	rec, err := s.Current(ctx, guid)
	if err != nil {
		return err
	}
	if _, err := s.Current(ctx, newGUID); err == nil {
		return fmt.Errorf("guid %s is already stored", newGUID)
	}
	rec.Header().GUID = newGUID
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	return s.write(ctx, `MATCH (n:Instance {guid: $guid}) SET n.guid = $newGUID, n.body = $body`,
		map[string]any{"guid": guid, "newGUID": newGUID, "body": string(body)})
}

// Scan implements Store.
func (s *Neo4jStore) Scan(ctx context.Context, f Filter, fn func(*Record) bool) error {
	kinds := make([]string, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = string(k)
	}
	query := `
		MATCH (n:Instance)
		WHERE (size($kinds) = 0 OR n.kind IN $kinds)
		  AND (size($types) = 0 OR n.typeGUID IN $types)
		  AND ($home = '' OR n.homeID = $home)
		RETURN n.body AS body
		ORDER BY n.guid
	`
	types := f.TypeGUIDs
	if types == nil {
		types = []string{}
	}
	records, err := s.read(ctx, query, map[string]any{"kinds": kinds, "types": types, "home": f.HomeID})
	if err != nil {
		return err
	}
	for _, rec := range records {
		if !fn(rec) {
			break
		}
	}
	return nil
}

// ScanAsOf implements Store.
func (s *Neo4jStore) ScanAsOf(ctx context.Context, f Filter, t time.Time, fn func(*Record) bool) error {
	return ErrHistoryNotSupported
}

// Relationships implements Store.
func (s *Neo4jStore) Relationships(ctx context.Context, entityGUID string) ([]*Record, error) {
	query := `
		MATCH (n:Instance {kind: $kind})
		WHERE n.end1 = $guid OR n.end2 = $guid
		RETURN n.body AS body
		ORDER BY n.guid
	`
	return s.read(ctx, query, map[string]any{"kind": string(KindRelationship), "guid": entityGUID})
}

// TypeInUse implements Store.
func (s *Neo4jStore) TypeInUse(ctx context.Context, typeGUID string) (bool, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `MATCH (n:Instance {typeGUID: $type}) RETURN count(n) > 0 AS used`,
			map[string]any{"type": typeGUID})
		if err != nil {
			return nil, err
		}
		record, err := result.Single(ctx)
		if err != nil {
			return nil, err
		}
		used, _ := record.Get("used")
		return used, nil
	})
	if err != nil {
		return false, err
	}
	used, _ := result.(bool)
	return used, nil
}

func (s *Neo4jStore) write(ctx context.Context, query string, params map[string]any) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, params)
		return nil, err
	})
	return err
}

func (s *Neo4jStore) read(ctx context.Context, query string, params map[string]any) ([]*Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}

		var records []*Record
		for result.Next(ctx) {
			value, _ := result.Record().Get("body")
			body, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("instance node has no body")
			}
			rec, err := decodeRecord(body)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
		return records, result.Err()
	})
	if err != nil {
		return nil, err
	}

	return result.([]*Record), nil
}
