package graph

// SQLite schema DDL constants

const schemaInstances = `
CREATE TABLE IF NOT EXISTS instances (
    rowid INTEGER PRIMARY KEY AUTOINCREMENT,
    version_id TEXT UNIQUE NOT NULL,
    guid TEXT NOT NULL,
    version INTEGER NOT NULL,
    is_current INTEGER NOT NULL DEFAULT 1,
    kind TEXT NOT NULL,
    type_guid TEXT NOT NULL,
    home_id TEXT NOT NULL,
    status TEXT NOT NULL,
    end1_guid TEXT,
    end2_guid TEXT,
    valid_from INTEGER NOT NULL,
    body TEXT NOT NULL
)`

// Index definitions
const indexInstancesGUID = `CREATE INDEX IF NOT EXISTS idx_instances_guid ON instances(guid, valid_from)`
const indexInstancesCurrent = `CREATE INDEX IF NOT EXISTS idx_instances_current ON instances(is_current, kind)`
const indexInstancesType = `CREATE INDEX IF NOT EXISTS idx_instances_type ON instances(type_guid)`
const indexInstancesEnd1 = `CREATE INDEX IF NOT EXISTS idx_instances_end1 ON instances(end1_guid)`
const indexInstancesEnd2 = `CREATE INDEX IF NOT EXISTS idx_instances_end2 ON instances(end2_guid)`

// allSchemaStatements returns all schema DDL in order
func allSchemaStatements() []string {
	return []string{
		schemaInstances,
		indexInstancesGUID,
		indexInstancesCurrent,
		indexInstancesType,
		indexInstancesEnd1,
		indexInstancesEnd2,
	}
}
