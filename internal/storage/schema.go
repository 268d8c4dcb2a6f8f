// internal/storage/schema.go
package storage

// NovelSchema is the SQL schema for the workflow database.
const NovelSchema = `
CREATE TABLE IF NOT EXISTS projects (
    id             TEXT PRIMARY KEY,
    title          TEXT NOT NULL,
    initial_prompt TEXT NOT NULL DEFAULT '',
    phase          TEXT NOT NULL DEFAULT 'draft'
                   CHECK(phase IN ('draft', 'blueprint_ready', 'part_outlines_ready',
                                   'chapter_outlines_ready', 'writing', 'completed')),
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_turns (
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    seq        INTEGER NOT NULL,
    role       TEXT NOT NULL CHECK(role IN ('user', 'assistant', 'system')),
    content    TEXT NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (project_id, seq)
);

CREATE TABLE IF NOT EXISTS blueprints (
    project_id          TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
    title               TEXT NOT NULL,
    total_chapters      INTEGER NOT NULL,
    needs_part_outlines INTEGER NOT NULL DEFAULT 0,
    body                TEXT NOT NULL,
    created_at          TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS part_outlines (
    project_id        TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    part_number       INTEGER NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    summary           TEXT NOT NULL DEFAULT '',
    theme             TEXT NOT NULL DEFAULT '',
    key_events        TEXT NOT NULL DEFAULT '[]',
    start_chapter     INTEGER NOT NULL,
    end_chapter       INTEGER NOT NULL,
    generation_status TEXT NOT NULL DEFAULT 'pending'
                      CHECK(generation_status IN ('pending', 'generating', 'completed', 'failed')),
    progress          INTEGER NOT NULL DEFAULT 0 CHECK(progress BETWEEN 0 AND 100),
    updated_at        TEXT NOT NULL,
    PRIMARY KEY (project_id, part_number)
);

CREATE TABLE IF NOT EXISTS chapter_outlines (
    project_id     TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    chapter_number INTEGER NOT NULL,
    title          TEXT NOT NULL,
    summary        TEXT NOT NULL,
    PRIMARY KEY (project_id, chapter_number)
);

CREATE TABLE IF NOT EXISTS chapters (
    id              TEXT PRIMARY KEY,
    project_id      TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    chapter_number  INTEGER NOT NULL,
    candidate_slots INTEGER NOT NULL,
    selected_index  INTEGER NULL,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    UNIQUE (project_id, chapter_number)
);

CREATE TABLE IF NOT EXISTS chapter_versions (
    chapter_id    TEXT NOT NULL REFERENCES chapters(id) ON DELETE CASCADE,
    version_index INTEGER NOT NULL,
    content       TEXT NOT NULL,
    style         TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL,
    PRIMARY KEY (chapter_id, version_index)
);

CREATE TABLE IF NOT EXISTS chapter_evaluations (
    chapter_id          TEXT PRIMARY KEY REFERENCES chapters(id) ON DELETE CASCADE,
    recommended_version INTEGER NOT NULL,
    body                TEXT NOT NULL,
    created_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projects_updated ON projects(updated_at);
CREATE INDEX IF NOT EXISTS idx_chapters_project ON chapters(project_id, chapter_number);
`

// ContextIndexSchema is the SQL schema for the retrieval index database.
const ContextIndexSchema = `
CREATE TABLE IF NOT EXISTS chapter_summaries (
    project_id     TEXT NOT NULL,
    chapter_number INTEGER NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    summary        TEXT NOT NULL,
    updated_at     TEXT NOT NULL,
    PRIMARY KEY (project_id, chapter_number)
);

CREATE VIRTUAL TABLE IF NOT EXISTS chapter_summaries_fts USING fts5(
    title,
    summary,
    content='chapter_summaries',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS chapter_summaries_ai AFTER INSERT ON chapter_summaries BEGIN
    INSERT INTO chapter_summaries_fts(rowid, title, summary) VALUES (new.rowid, new.title, new.summary);
END;
CREATE TRIGGER IF NOT EXISTS chapter_summaries_ad AFTER DELETE ON chapter_summaries BEGIN
    INSERT INTO chapter_summaries_fts(chapter_summaries_fts, rowid, title, summary) VALUES('delete', old.rowid, old.title, old.summary);
END;
CREATE TRIGGER IF NOT EXISTS chapter_summaries_au AFTER UPDATE ON chapter_summaries BEGIN
    INSERT INTO chapter_summaries_fts(chapter_summaries_fts, rowid, title, summary) VALUES('delete', old.rowid, old.title, old.summary);
    INSERT INTO chapter_summaries_fts(rowid, title, summary) VALUES (new.rowid, new.title, new.summary);
END;
`
