package store

// Schema versions:
// v1: events, facts, procedures, tasks, entities, relations, quality_records,
//     execution_metrics, advisory_locks — the base relational schema.
// v2: vec0 virtual tables for fact/event embeddings (sqlite-vec ANN).
// v3: FTS5 virtual table for lexical fact search.
// v4: cursors table for per-source resumable ingestion (episodic layer).
// v5: procedure_snapshots table for procedural layer versions/rollback.
// v6: entity_communities and graph_state tables for the graph layer's
//     label-propagation partition and edge-churn tracking.
// v7: retrieval_score_samples table feeding the meta layer's recall_proxy.
// v8: consolidation_runs table recording the consolidation engine's run
//     reports and the fingerprint each run was keyed by.
// v9: kernel_projects table mapping the ingest schema's external project
//     name to the internal monotone project_id every layer keys on.
const currentSchemaVersion = 9

const schemaV1 = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1,
	content TEXT NOT NULL,
	kind TEXT NOT NULL,
	outcome TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	content_hash TEXT NOT NULL,
	embedding BLOB,
	importance REAL NOT NULL DEFAULT 0,
	consolidation_state TEXT NOT NULL DEFAULT 'unsealed',
	consolidation_run_id TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_project_hash ON events(project_id, content_hash);
CREATE INDEX IF NOT EXISTS idx_events_project_created ON events(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_consolidation_state ON events(project_id, consolidation_state);

CREATE TABLE IF NOT EXISTS facts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1,
	statement TEXT NOT NULL,
	domain TEXT NOT NULL,
	confidence REAL NOT NULL,
	embedding BLOB,
	support_count INTEGER NOT NULL DEFAULT 1,
	contradiction_count INTEGER NOT NULL DEFAULT 0,
	last_reinforced_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	archived INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_project_domain_statement ON facts(project_id, domain, statement);
CREATE INDEX IF NOT EXISTS idx_facts_project_confidence ON facts(project_id, confidence DESC);

CREATE TABLE IF NOT EXISTS fact_source_events (
	fact_id INTEGER NOT NULL REFERENCES facts(id),
	event_id INTEGER NOT NULL REFERENCES events(id),
	PRIMARY KEY (fact_id, event_id)
);

CREATE TABLE IF NOT EXISTS procedures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1,
	name TEXT NOT NULL,
	category TEXT NOT NULL,
	steps TEXT NOT NULL DEFAULT '[]',
	parameters TEXT NOT NULL DEFAULT '{}',
	success_rate REAL NOT NULL DEFAULT 0,
	execution_count INTEGER NOT NULL DEFAULT 0,
	avg_duration_ms REAL NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_procedures_project_name ON procedures(project_id, name);

CREATE TABLE IF NOT EXISTS procedure_grounding_events (
	procedure_id INTEGER NOT NULL REFERENCES procedures(id),
	event_id INTEGER NOT NULL REFERENCES events(id),
	PRIMARY KEY (procedure_id, event_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1,
	content TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority TEXT NOT NULL DEFAULT 'medium',
	phase TEXT NOT NULL DEFAULT '',
	parent_id INTEGER,
	estimated_effort_min INTEGER NOT NULL DEFAULT 0,
	actual_effort_min INTEGER,
	deadline DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, status);

CREATE TABLE IF NOT EXISTS task_dependencies (
	task_id INTEGER NOT NULL REFERENCES tasks(id),
	depends_on_id INTEGER NOT NULL REFERENCES tasks(id),
	PRIMARY KEY (task_id, depends_on_id)
);

CREATE TABLE IF NOT EXISTS entities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_project_name_kind ON entities(project_id, name, kind);

CREATE TABLE IF NOT EXISTS relations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	version INTEGER NOT NULL DEFAULT 1,
	from_id INTEGER NOT NULL REFERENCES entities(id),
	to_id INTEGER NOT NULL REFERENCES entities(id),
	kind TEXT NOT NULL,
	weight REAL NOT NULL,
	evidence TEXT NOT NULL DEFAULT '[]'
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_relations_unique ON relations(project_id, from_id, to_id, kind);

CREATE TABLE IF NOT EXISTS quality_records (
	project_id INTEGER NOT NULL,
	layer TEXT NOT NULL,
	sampled_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	density REAL NOT NULL,
	coverage REAL NOT NULL,
	coherence REAL NOT NULL,
	recall_proxy REAL NOT NULL,
	saturation REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quality_records_project_layer ON quality_records(project_id, layer, sampled_at DESC);

CREATE TABLE IF NOT EXISTS execution_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL REFERENCES tasks(id),
	project_id INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	phase_breakdown TEXT NOT NULL DEFAULT '{}',
	properties TEXT NOT NULL DEFAULT '{}',
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS advisory_locks (
	name TEXT PRIMARY KEY,
	holder TEXT NOT NULL,
	acquired_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS schema_versions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	version INTEGER NOT NULL,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// schemaV2 creates the vec0 virtual tables sqlite-vec provides for
// approximate-nearest-neighbor cosine search. Dimensions match the 768-dim
// embedder contract (spec.md §4.3).
const schemaV2 = `
CREATE VIRTUAL TABLE IF NOT EXISTS vec_facts USING vec0(
	embedding float[768]
);
CREATE VIRTUAL TABLE IF NOT EXISTS vec_events USING vec0(
	embedding float[768]
);
`

// schemaV3 creates the FTS5 virtual table the semantic layer's lexical
// (BM25) side of hybrid recall queries against.
const schemaV3 = `
CREATE VIRTUAL TABLE IF NOT EXISTS fts_facts USING fts5(
	statement, domain, content='facts', content_rowid='id'
);
CREATE TRIGGER IF NOT EXISTS facts_fts_insert AFTER INSERT ON facts BEGIN
	INSERT INTO fts_facts(rowid, statement, domain) VALUES (new.id, new.statement, new.domain);
END;
CREATE TRIGGER IF NOT EXISTS facts_fts_delete AFTER DELETE ON facts BEGIN
	INSERT INTO fts_facts(fts_facts, rowid, statement, domain) VALUES('delete', old.id, old.statement, old.domain);
END;
CREATE TRIGGER IF NOT EXISTS facts_fts_update AFTER UPDATE ON facts BEGIN
	INSERT INTO fts_facts(fts_facts, rowid, statement, domain) VALUES('delete', old.id, old.statement, old.domain);
	INSERT INTO fts_facts(rowid, statement, domain) VALUES (new.id, new.statement, new.domain);
END;
`

// schemaV4 creates the cursors table backing the episodic layer's
// cursor_for_source/advance_cursor operations: one opaque resumable
// position per (project, source).
const schemaV4 = `
CREATE TABLE IF NOT EXISTS cursors (
	project_id INTEGER NOT NULL,
	source_id TEXT NOT NULL,
	position TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (project_id, source_id)
);
`

// schemaV5 creates procedure_snapshots, the version history table backing
// the procedural layer's versions/rollback operations. A row is written
// each time a procedure's steps or parameters change.
const schemaV5 = `
CREATE TABLE IF NOT EXISTS procedure_snapshots (
	procedure_id INTEGER NOT NULL REFERENCES procedures(id),
	version INTEGER NOT NULL,
	steps TEXT NOT NULL,
	parameters TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (procedure_id, version)
);
`

// schemaV6 creates entity_communities (the persisted label-propagation
// partition) and graph_state (tracks the edge count as of the last
// community run, so the graph layer can detect the 5% churn threshold
// before recomputing).
const schemaV6 = `
CREATE TABLE IF NOT EXISTS entity_communities (
	project_id INTEGER NOT NULL,
	entity_id INTEGER NOT NULL REFERENCES entities(id),
	label INTEGER NOT NULL,
	computed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (project_id, entity_id)
);

CREATE TABLE IF NOT EXISTS graph_state (
	project_id INTEGER PRIMARY KEY,
	last_edge_count INTEGER NOT NULL DEFAULT 0,
	last_community_run_at DATETIME
);
`

// schemaV7 creates retrieval_score_samples, the rolling log of unified
// retrieval scores the meta layer's recall_proxy is averaged over.
const schemaV7 = `
CREATE TABLE IF NOT EXISTS retrieval_score_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	score REAL NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_retrieval_score_samples_project ON retrieval_score_samples(project_id, recorded_at DESC);
`

// schemaV8 creates consolidation_runs, the append-only log of consolidation
// engine run reports (spec.md §4.10 step 7), keyed by the fingerprint that
// enforced its at-most-one-concurrent-run guarantee.
const schemaV8 = `
CREATE TABLE IF NOT EXISTS consolidation_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	strategy TEXT NOT NULL,
	started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	events_in INTEGER NOT NULL DEFAULT 0,
	clusters INTEGER NOT NULL DEFAULT 0,
	facts_created INTEGER NOT NULL DEFAULT 0,
	facts_reinforced INTEGER NOT NULL DEFAULT 0,
	procedures_created INTEGER NOT NULL DEFAULT 0,
	llm_calls INTEGER NOT NULL DEFAULT 0,
	llm_failures INTEGER NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL DEFAULT 'completed'
);
CREATE INDEX IF NOT EXISTS idx_consolidation_runs_project ON consolidation_runs(project_id, started_at DESC);
`

// schemaV9 creates kernel_projects, the name -> project_id registry the
// kernel's ingest endpoint resolves the event schema's `project` string
// against. token is an opaque uuid surfaced to external callers; it plays
// no part in any internal lookup.
const schemaV9 = `
CREATE TABLE IF NOT EXISTS kernel_projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	token TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
