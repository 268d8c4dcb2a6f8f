// internal/storage/novel_store.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/models"
)

const timeLayout = time.RFC3339Nano

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// repo holds every query; NovelStore runs them on the pool, NovelTx inside a transaction.
type repo struct {
	q   querier
	now func() time.Time
}

// NovelStore persists projects and all derived artifacts in one SQLite file.
type NovelStore struct {
	repo
	db     *sql.DB
	dbPath string
}

// NovelTx exposes the same queries bound to a transaction.
type NovelTx struct {
	repo
}

// OpenNovelStore opens (or creates) <dataDir>/storyloom.db and runs migrations.
func OpenNovelStore(dataDir string) (*NovelStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenNovelStoreAt(filepath.Join(dataDir, "storyloom.db"))
}

// OpenNovelStoreAt opens the database at an explicit path.
func OpenNovelStoreAt(dbPath string) (*NovelStore, error) {
	db, err := openSQLite(dbPath, NovelSchema)
	if err != nil {
		return nil, err
	}
	return &NovelStore{repo: repo{q: db, now: time.Now}, db: db, dbPath: dbPath}, nil
}

func openSQLite(dbPath, schema string) (*sql.DB, error) {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(dbPath), err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", filepath.Base(dbPath), err)
	}
	return db, nil
}

// Close closes the database connection.
func (s *NovelStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *NovelStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn in one transaction, committing only when fn returns nil.
func (s *NovelStore) InTx(ctx context.Context, fn func(tx *NovelTx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&NovelTx{repo: repo{q: sqlTx, now: s.now}}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r repo) stamp() string {
	return r.now().UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ---- projects ----

// CreateProject inserts a project in DRAFT and fills its ID and timestamps.
func (r repo) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Phase == "" {
		p.Phase = models.PhaseDraft
	}
	ts := r.stamp()
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO projects (id, title, initial_prompt, phase, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.InitialPrompt, string(p.Phase), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	p.CreatedAt = parseTime(ts)
	p.UpdatedAt = p.CreatedAt
	return nil
}

const projectColumns = `id, title, initial_prompt, phase, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var p models.Project
	var phase, created, updated string
	if err := row.Scan(&p.ID, &p.Title, &p.InitialPrompt, &phase, &created, &updated); err != nil {
		return nil, err
	}
	p.Phase = models.ProjectPhase(phase)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// GetProject looks up a project by ID.
func (r repo) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := scanProject(r.q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("project "+id+" not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects, most recently updated first.
func (r repo) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// SwapProjectPhase moves a project from one phase to another only if it is
// still in from. A concurrent writer makes it fail with a conflict error.
func (r repo) SwapProjectPhase(ctx context.Context, id string, from, to models.ProjectPhase) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE projects SET phase = ?, updated_at = ? WHERE id = ? AND phase = ?`,
		string(to), r.stamp(), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("swap project phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap project phase: %w", err)
	}
	if n == 0 {
		return apperrors.NewConflictError(
			fmt.Sprintf("project %s is no longer in phase %s", id, from), nil)
	}
	return nil
}

// TouchProject bumps updated_at.
func (r repo) TouchProject(ctx context.Context, id string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, r.stamp(), id)
	return err
}

// ---- conversation ----

// AppendTurn appends a turn and assigns the next sequence number.
func (r repo) AppendTurn(ctx context.Context, turn *models.ConversationTurn) error {
	ts := r.stamp()
	err := r.q.QueryRowContext(ctx,
		`INSERT INTO conversation_turns (project_id, seq, role, content, created_at)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ? FROM conversation_turns WHERE project_id = ?
		 RETURNING seq`,
		turn.ProjectID, turn.Role, turn.Content, ts, turn.ProjectID,
	).Scan(&turn.Seq)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	turn.CreatedAt = parseTime(ts)
	return nil
}

// ListTurns returns a project's conversation in order.
func (r repo) ListTurns(ctx context.Context, projectID string) ([]models.ConversationTurn, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT project_id, seq, role, content, created_at FROM conversation_turns WHERE project_id = ? ORDER BY seq`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var created string
		if err := rows.Scan(&t.ProjectID, &t.Seq, &t.Role, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt = parseTime(created)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ---- blueprint ----

// SaveBlueprint replaces the project's current blueprint.
func (r repo) SaveBlueprint(ctx context.Context, projectID string, bp *models.Blueprint) error {
	bp.ProjectID = projectID
	bp.ChapterOutline = nil
	ts := r.stamp()
	bp.CreatedAt = parseTime(ts)

	body, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("encode blueprint: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, `DELETE FROM blueprints WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete blueprint: %w", err)
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO blueprints (project_id, title, total_chapters, needs_part_outlines, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		projectID, bp.Title, bp.TotalChapters, bp.NeedsPartOutlines, string(body), ts,
	)
	if err != nil {
		return fmt.Errorf("insert blueprint: %w", err)
	}
	return nil
}

// GetBlueprint returns the current blueprint or a not-found error.
func (r repo) GetBlueprint(ctx context.Context, projectID string) (*models.Blueprint, error) {
	var body string
	err := r.q.QueryRowContext(ctx, `SELECT body FROM blueprints WHERE project_id = ?`, projectID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("project "+projectID+" has no blueprint", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get blueprint: %w", err)
	}
	var bp models.Blueprint
	if err := json.Unmarshal([]byte(body), &bp); err != nil {
		return nil, fmt.Errorf("decode blueprint: %w", err)
	}
	return &bp, nil
}

// DeleteBlueprint removes the project's blueprint, if any.
func (r repo) DeleteBlueprint(ctx context.Context, projectID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM blueprints WHERE project_id = ?`, projectID)
	if err != nil {
		return fmt.Errorf("delete blueprint: %w", err)
	}
	return nil
}

// ---- part outlines ----

// UpsertPartOutline inserts or replaces one part outline.
func (r repo) UpsertPartOutline(ctx context.Context, p *models.PartOutline) error {
	events, err := json.Marshal(p.KeyEvents)
	if err != nil {
		return fmt.Errorf("encode key events: %w", err)
	}
	if p.GenerationStatus == "" {
		p.GenerationStatus = models.OutlinePending
	}
	ts := r.stamp()
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO part_outlines (project_id, part_number, title, summary, theme, key_events, start_chapter, end_chapter, generation_status, progress, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, part_number) DO UPDATE SET
		     title = excluded.title,
		     summary = excluded.summary,
		     theme = excluded.theme,
		     key_events = excluded.key_events,
		     start_chapter = excluded.start_chapter,
		     end_chapter = excluded.end_chapter,
		     generation_status = excluded.generation_status,
		     progress = excluded.progress,
		     updated_at = excluded.updated_at`,
		p.ProjectID, p.PartNumber, p.Title, p.Summary, p.Theme, string(events),
		p.StartChapter, p.EndChapter, string(p.GenerationStatus), p.Progress, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert part outline %d: %w", p.PartNumber, err)
	}
	p.UpdatedAt = parseTime(ts)
	return nil
}

// UpdatePartStatus changes only the status fields of a part.
func (r repo) UpdatePartStatus(ctx context.Context, projectID string, partNumber int, status models.OutlineStatus, progress int) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE part_outlines SET generation_status = ?, progress = ?, updated_at = ? WHERE project_id = ? AND part_number = ?`,
		string(status), progress, r.stamp(), projectID, partNumber,
	)
	if err != nil {
		return fmt.Errorf("update part status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("part outline %d not found", partNumber), nil)
	}
	return nil
}

// ListPartOutlines returns parts ordered by number.
func (r repo) ListPartOutlines(ctx context.Context, projectID string) ([]models.PartOutline, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT project_id, part_number, title, summary, theme, key_events, start_chapter, end_chapter, generation_status, progress, updated_at
		 FROM part_outlines WHERE project_id = ? ORDER BY part_number`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list part outlines: %w", err)
	}
	defer rows.Close()

	var parts []models.PartOutline
	for rows.Next() {
		var p models.PartOutline
		var events, status, updated string
		if err := rows.Scan(&p.ProjectID, &p.PartNumber, &p.Title, &p.Summary, &p.Theme, &events,
			&p.StartChapter, &p.EndChapter, &status, &p.Progress, &updated); err != nil {
			return nil, fmt.Errorf("scan part outline: %w", err)
		}
		json.Unmarshal([]byte(events), &p.KeyEvents)
		p.GenerationStatus = models.OutlineStatus(status)
		p.UpdatedAt = parseTime(updated)
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// DeletePartOutlines removes every part outline of a project.
func (r repo) DeletePartOutlines(ctx context.Context, projectID string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM part_outlines WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("delete part outlines: %w", err)
	}
	return res.RowsAffected()
}

// ---- chapter outlines ----

// UpsertChapterOutlines writes outlines, replacing any with the same number.
func (r repo) UpsertChapterOutlines(ctx context.Context, projectID string, outlines []models.ChapterOutline) error {
	for _, o := range outlines {
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO chapter_outlines (project_id, chapter_number, title, summary) VALUES (?, ?, ?, ?)
			 ON CONFLICT(project_id, chapter_number) DO UPDATE SET title = excluded.title, summary = excluded.summary`,
			projectID, o.ChapterNumber, o.Title, o.Summary,
		)
		if err != nil {
			return fmt.Errorf("upsert chapter outline %d: %w", o.ChapterNumber, err)
		}
	}
	return nil
}

// ListChapterOutlines returns outlines ordered by chapter number.
func (r repo) ListChapterOutlines(ctx context.Context, projectID string) ([]models.ChapterOutline, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT project_id, chapter_number, title, summary FROM chapter_outlines WHERE project_id = ? ORDER BY chapter_number`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list chapter outlines: %w", err)
	}
	defer rows.Close()

	var outlines []models.ChapterOutline
	for rows.Next() {
		var o models.ChapterOutline
		if err := rows.Scan(&o.ProjectID, &o.ChapterNumber, &o.Title, &o.Summary); err != nil {
			return nil, fmt.Errorf("scan chapter outline: %w", err)
		}
		outlines = append(outlines, o)
	}
	return outlines, rows.Err()
}

// GetChapterOutline returns one outline or a not-found error.
func (r repo) GetChapterOutline(ctx context.Context, projectID string, chapterNumber int) (*models.ChapterOutline, error) {
	var o models.ChapterOutline
	err := r.q.QueryRowContext(ctx,
		`SELECT project_id, chapter_number, title, summary FROM chapter_outlines WHERE project_id = ? AND chapter_number = ?`,
		projectID, chapterNumber,
	).Scan(&o.ProjectID, &o.ChapterNumber, &o.Title, &o.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("chapter %d has no outline", chapterNumber), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter outline: %w", err)
	}
	return &o, nil
}

// DeleteChapterOutlines removes every chapter outline of a project.
func (r repo) DeleteChapterOutlines(ctx context.Context, projectID string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM chapter_outlines WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("delete chapter outlines: %w", err)
	}
	return res.RowsAffected()
}

// ---- chapters ----

// ListChapterNumbers returns the numbers of all persisted chapters.
func (r repo) ListChapterNumbers(ctx context.Context, projectID string) ([]int, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT chapter_number FROM chapters WHERE project_id = ? ORDER BY chapter_number`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list chapter numbers: %w", err)
	}
	defer rows.Close()

	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// ReplaceChapter stores a freshly generated chapter with its versions,
// discarding any previous chapter with the same number.
func (r repo) ReplaceChapter(ctx context.Context, ch *models.Chapter) error {
	if ch.ID == "" {
		ch.ID = uuid.New().String()
	}
	ts := r.stamp()
	if _, err := r.q.ExecContext(ctx,
		`DELETE FROM chapters WHERE project_id = ? AND chapter_number = ?`, ch.ProjectID, ch.ChapterNumber); err != nil {
		return fmt.Errorf("delete previous chapter: %w", err)
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO chapters (id, project_id, chapter_number, candidate_slots, selected_index, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.ProjectID, ch.ChapterNumber, ch.CandidateSlots, nullableIndex(ch.SelectedIndex), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("insert chapter: %w", err)
	}
	ch.CreatedAt = parseTime(ts)
	ch.UpdatedAt = ch.CreatedAt

	for i := range ch.Versions {
		ch.Versions[i].ChapterID = ch.ID
		if err := r.UpsertVersion(ctx, &ch.Versions[i]); err != nil {
			return err
		}
	}
	return nil
}

func nullableIndex(idx *int) any {
	if idx == nil {
		return nil
	}
	return *idx
}

// UpsertVersion writes one version slot.
func (r repo) UpsertVersion(ctx context.Context, v *models.ChapterVersion) error {
	ts := r.stamp()
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO chapter_versions (chapter_id, version_index, content, style, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chapter_id, version_index) DO UPDATE SET content = excluded.content, style = excluded.style, updated_at = excluded.updated_at`,
		v.ChapterID, v.VersionIndex, v.Content, v.Style, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("upsert version %d: %w", v.VersionIndex, err)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = parseTime(ts)
	}
	v.UpdatedAt = parseTime(ts)
	_, err = r.q.ExecContext(ctx, `UPDATE chapters SET updated_at = ? WHERE id = ?`, ts, v.ChapterID)
	return err
}

// GetChapter loads a chapter with its versions and evaluation.
func (r repo) GetChapter(ctx context.Context, projectID string, chapterNumber int) (*models.Chapter, error) {
	var ch models.Chapter
	var selected sql.NullInt64
	var created, updated string
	err := r.q.QueryRowContext(ctx,
		`SELECT id, project_id, chapter_number, candidate_slots, selected_index, created_at, updated_at
		 FROM chapters WHERE project_id = ? AND chapter_number = ?`,
		projectID, chapterNumber,
	).Scan(&ch.ID, &ch.ProjectID, &ch.ChapterNumber, &ch.CandidateSlots, &selected, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("chapter %d not generated", chapterNumber), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter: %w", err)
	}
	if selected.Valid {
		idx := int(selected.Int64)
		ch.SelectedIndex = &idx
	}
	ch.CreatedAt = parseTime(created)
	ch.UpdatedAt = parseTime(updated)

	if ch.Versions, err = r.listVersions(ctx, ch.ID); err != nil {
		return nil, err
	}
	if ch.Evaluation, err = r.getEvaluation(ctx, ch.ID); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (r repo) listVersions(ctx context.Context, chapterID string) ([]models.ChapterVersion, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT chapter_id, version_index, content, style, created_at, updated_at
		 FROM chapter_versions WHERE chapter_id = ? ORDER BY version_index`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	versions := []models.ChapterVersion{}
	for rows.Next() {
		var v models.ChapterVersion
		var created, updated string
		if err := rows.Scan(&v.ChapterID, &v.VersionIndex, &v.Content, &v.Style, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.CreatedAt = parseTime(created)
		v.UpdatedAt = parseTime(updated)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// SetSelectedVersion records which version is current. It never touches version rows.
func (r repo) SetSelectedVersion(ctx context.Context, chapterID string, index int) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE chapters SET selected_index = ?, updated_at = ? WHERE id = ?`, index, r.stamp(), chapterID)
	if err != nil {
		return fmt.Errorf("select version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewNotFoundError("chapter "+chapterID+" not found", nil)
	}
	return nil
}

// DeleteChapters removes every chapter of a project; versions and evaluations cascade.
func (r repo) DeleteChapters(ctx context.Context, projectID string) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM chapters WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("delete chapters: %w", err)
	}
	return res.RowsAffected()
}

// ListUnselectedChapters returns outlined chapter numbers that are missing a
// chapter or a selected version.
func (r repo) ListUnselectedChapters(ctx context.Context, projectID string) ([]int, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT o.chapter_number FROM chapter_outlines o
		 LEFT JOIN chapters c ON c.project_id = o.project_id AND c.chapter_number = o.chapter_number
		 WHERE o.project_id = ? AND (c.id IS NULL OR c.selected_index IS NULL)
		 ORDER BY o.chapter_number`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list unselected chapters: %w", err)
	}
	defer rows.Close()

	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// ---- evaluations ----

// SaveEvaluation replaces the chapter's evaluation.
func (r repo) SaveEvaluation(ctx context.Context, chapterID string, e *models.ChapterEvaluation) error {
	e.ChapterID = chapterID
	ts := r.stamp()
	e.CreatedAt = parseTime(ts)
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO chapter_evaluations (chapter_id, recommended_version, body, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(chapter_id) DO UPDATE SET recommended_version = excluded.recommended_version, body = excluded.body, created_at = excluded.created_at`,
		chapterID, e.RecommendedVersion, string(body), ts,
	)
	if err != nil {
		return fmt.Errorf("save evaluation: %w", err)
	}
	return nil
}

func (r repo) getEvaluation(ctx context.Context, chapterID string) (*models.ChapterEvaluation, error) {
	var body string
	err := r.q.QueryRowContext(ctx, `SELECT body FROM chapter_evaluations WHERE chapter_id = ?`, chapterID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	var e models.ChapterEvaluation
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, fmt.Errorf("decode evaluation: %w", err)
	}
	return &e, nil
}

// DeleteEvaluation drops a chapter's evaluation, if any.
func (r repo) DeleteEvaluation(ctx context.Context, chapterID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM chapter_evaluations WHERE chapter_id = ?`, chapterID)
	if err != nil {
		return fmt.Errorf("delete evaluation: %w", err)
	}
	return nil
}

// ArtifactCounts summarizes a project's downstream rows.
type ArtifactCounts struct {
	PartOutlines    int  `json:"part_outlines"`
	ChapterOutlines int  `json:"chapter_outlines"`
	Chapters        int  `json:"chapters"`
	Versions        int  `json:"versions"`
	HasBlueprint    bool `json:"has_blueprint"`
}

// CountArtifacts returns row counts for everything a project owns.
func (r repo) CountArtifacts(ctx context.Context, projectID string) (ArtifactCounts, error) {
	var c ArtifactCounts
	var blueprints int
	err := r.q.QueryRowContext(ctx,
		`SELECT
		    (SELECT COUNT(*) FROM part_outlines WHERE project_id = ?1),
		    (SELECT COUNT(*) FROM chapter_outlines WHERE project_id = ?1),
		    (SELECT COUNT(*) FROM chapters WHERE project_id = ?1),
		    (SELECT COUNT(*) FROM chapter_versions v JOIN chapters c ON c.id = v.chapter_id WHERE c.project_id = ?1),
		    (SELECT COUNT(*) FROM blueprints WHERE project_id = ?1)`,
		projectID,
	).Scan(&c.PartOutlines, &c.ChapterOutlines, &c.Chapters, &c.Versions, &blueprints)
	if err != nil {
		return c, fmt.Errorf("count artifacts: %w", err)
	}
	c.HasBlueprint = blueprints > 0
	return c, nil
}
