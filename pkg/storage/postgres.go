package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/scarlson1/castaway-sub000/pkg/models"
)

// PostgresStore PostgreSQL 存储
// 表结构见 schema.sql；embedding 和转录片段以 JSON 列存储
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore 创建 PostgreSQL 存储
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("打开数据库连接失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &PostgresStore{db: db}, nil
}

// CreateJob 创建任务（单集互斥由未终结任务计数保证）
func (s *PostgresStore) CreateJob(job *models.DetectionJob) error {
	var active int
	err := s.db.QueryRow(`
	SELECT COUNT(*) FROM detection_jobs
	WHERE episode_id = $1 AND status NOT IN ('complete', 'failed')
	`, job.EpisodeID).Scan(&active)
	if err != nil {
		return fmt.Errorf("查询进行中任务失败: %w", err)
	}
	if active > 0 {
		return ErrActiveJobExists
	}

	segmentsJSON, err := json.Marshal(job.Segments)
	if err != nil {
		return fmt.Errorf("序列化 segments 失败: %w", err)
	}

	_, err = s.db.Exec(`
	INSERT INTO detection_jobs (
	job_id, episode_id, audio_url, status, transcript_id,
	segments, error, created_at, completed_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		job.JobID,
		job.EpisodeID,
		job.AudioURL,
		job.Status,
		job.TranscriptID,
		segmentsJSON,
		job.Error,
		job.CreatedAt,
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("保存任务失败: %w", err)
	}

	return nil
}

// GetJob 获取任务
func (s *PostgresStore) GetJob(jobID string) (*models.DetectionJob, error) {
	row := s.db.QueryRow(`
	SELECT job_id, episode_id, audio_url, status, transcript_id,
	segments, error, created_at, completed_at
	FROM detection_jobs
	WHERE job_id = $1
	`, jobID)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}

	return job, nil
}

// UpdateJob 更新任务（读取-回调-UPSERT）
func (s *PostgresStore) UpdateJob(jobID string, updateFn func(*models.DetectionJob)) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}

	updateFn(job)

	segmentsJSON, err := json.Marshal(job.Segments)
	if err != nil {
		return fmt.Errorf("序列化 segments 失败: %w", err)
	}

	_, err = s.db.Exec(`
	UPDATE detection_jobs SET
	status = $2, transcript_id = $3, segments = $4,
	error = $5, completed_at = $6
	WHERE job_id = $1
	`,
		job.JobID,
		job.Status,
		job.TranscriptID,
		segmentsJSON,
		job.Error,
		nullTime(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("更新任务失败: %w", err)
	}

	return nil
}

// ListJobs 按创建时间倒序列出任务
func (s *PostgresStore) ListJobs() ([]*models.DetectionJob, error) {
	rows, err := s.db.Query(`
	SELECT job_id, episode_id, audio_url, status, transcript_id,
	segments, error, created_at, completed_at
	FROM detection_jobs
	ORDER BY created_at DESC
	LIMIT 100
	`)
	if err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.DetectionJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// InsertWindows 批量插入窗口（seq 保持插入顺序）
func (s *PostgresStore) InsertWindows(jobID string, ws []*models.Window) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
	INSERT INTO job_windows (
	window_id, job_id, seq, start_sec, end_sec, text, classified
	) VALUES ($1, $2, $3, $4, $5, $6, false)
	`)
	if err != nil {
		return fmt.Errorf("准备插入语句失败: %w", err)
	}
	defer stmt.Close()

	for i, w := range ws {
		if _, err := stmt.Exec(w.WindowID, jobID, i, w.Start, w.End, w.Text); err != nil {
			return fmt.Errorf("插入窗口失败: %w", err)
		}
	}

	return tx.Commit()
}

// UnclassifiedWindows 按插入顺序返回至多 limit 个未分类窗口
func (s *PostgresStore) UnclassifiedWindows(jobID string, limit int) ([]*models.Window, error) {
	rows, err := s.db.Query(`
	SELECT window_id, job_id, start_sec, end_sec, text, classified, is_ad, confidence, reason
	FROM job_windows
	WHERE job_id = $1 AND classified = false
	ORDER BY seq
	LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("查询未分类窗口失败: %w", err)
	}
	defer rows.Close()

	return scanWindows(rows)
}

// Windows 返回任务的全部窗口
func (s *PostgresStore) Windows(jobID string) ([]*models.Window, error) {
	rows, err := s.db.Query(`
	SELECT window_id, job_id, start_sec, end_sec, text, classified, is_ad, confidence, reason
	FROM job_windows
	WHERE job_id = $1
	ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("查询窗口失败: %w", err)
	}
	defer rows.Close()

	return scanWindows(rows)
}

// UpdateWindows 批量写入分类结果（逐行独立更新，单行原子）
func (s *PostgresStore) UpdateWindows(updates []WindowUpdate) error {
	for _, u := range updates {
		result, err := s.db.Exec(`
		UPDATE job_windows SET
		classified = true, is_ad = $2, confidence = $3, reason = $4
		WHERE window_id = $1
		`, u.WindowID, u.Label.IsAd, u.Label.Confidence, u.Label.Reason)
		if err != nil {
			return fmt.Errorf("更新窗口失败: %w", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("获取更新结果失败: %w", err)
		}
		if affected == 0 {
			return ErrWindowNotFound
		}
	}

	return nil
}

// SaveTranscript 保存转录
func (s *PostgresStore) SaveTranscript(t *models.Transcript) error {
	segmentsJSON, err := json.Marshal(t.Segments)
	if err != nil {
		return fmt.Errorf("序列化转录片段失败: %w", err)
	}

	_, err = s.db.Exec(`
	INSERT INTO transcripts (
	transcript_id, episode_id, audio_url, full_text, segments, created_at
	) VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (episode_id) DO NOTHING
	`,
		t.TranscriptID,
		t.EpisodeID,
		t.AudioURL,
		t.FullText,
		segmentsJSON,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("保存转录失败: %w", err)
	}

	return nil
}

// TranscriptByEpisode 按单集查询转录
func (s *PostgresStore) TranscriptByEpisode(episodeID string) (*models.Transcript, error) {
	var t models.Transcript
	var segmentsJSON []byte

	err := s.db.QueryRow(`
	SELECT transcript_id, episode_id, audio_url, full_text, segments, created_at
	FROM transcripts
	WHERE episode_id = $1
	`, episodeID).Scan(
		&t.TranscriptID,
		&t.EpisodeID,
		&t.AudioURL,
		&t.FullText,
		&segmentsJSON,
		&t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTranscriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询转录失败: %w", err)
	}

	if len(segmentsJSON) > 0 {
		json.Unmarshal(segmentsJSON, &t.Segments)
	}

	return &t, nil
}

// SaveSegment 保存广告段
func (s *PostgresStore) SaveSegment(seg *models.AdSegment) error {
	embeddingJSON, err := json.Marshal(seg.Embedding)
	if err != nil {
		return fmt.Errorf("序列化 embedding 失败: %w", err)
	}

	_, err = s.db.Exec(`
	INSERT INTO ad_segments (
	segment_id, episode_id, podcast_id, audio_url,
	start_sec, end_sec, duration, transcript, confidence, embedding, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		seg.SegmentID,
		seg.EpisodeID,
		seg.PodcastID,
		seg.AudioURL,
		seg.Start,
		seg.End,
		seg.Duration,
		seg.Transcript,
		seg.Confidence,
		embeddingJSON,
		seg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("保存广告段失败: %w", err)
	}

	return nil
}

// SegmentsByEpisode 按单集列出广告段（开始时间升序）
func (s *PostgresStore) SegmentsByEpisode(episodeID string) ([]*models.AdSegment, error) {
	rows, err := s.db.Query(`
	SELECT segment_id, episode_id, podcast_id, audio_url,
	start_sec, end_sec, duration, transcript, confidence, embedding, created_at
	FROM ad_segments
	WHERE episode_id = $1
	ORDER BY start_sec
	`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("查询广告段失败: %w", err)
	}
	defer rows.Close()

	segments := make([]*models.AdSegment, 0)
	for rows.Next() {
		var seg models.AdSegment
		var embeddingJSON []byte

		err := rows.Scan(
			&seg.SegmentID,
			&seg.EpisodeID,
			&seg.PodcastID,
			&seg.AudioURL,
			&seg.Start,
			&seg.End,
			&seg.Duration,
			&seg.Transcript,
			&seg.Confidence,
			&embeddingJSON,
			&seg.CreatedAt,
		)
		if err != nil {
			continue
		}

		if len(embeddingJSON) > 0 {
			json.Unmarshal(embeddingJSON, &seg.Embedding)
		}

		segments = append(segments, &seg)
	}

	return segments, rows.Err()
}

// SaveEpisode 保存单集元信息
func (s *PostgresStore) SaveEpisode(e *models.Episode) error {
	_, err := s.db.Exec(`
	INSERT INTO episodes (episode_id, podcast_id, title, audio_url)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (episode_id)
	DO UPDATE SET podcast_id = EXCLUDED.podcast_id, title = EXCLUDED.title, audio_url = EXCLUDED.audio_url
	`, e.EpisodeID, e.PodcastID, e.Title, e.AudioURL)
	if err != nil {
		return fmt.Errorf("保存单集失败: %w", err)
	}

	return nil
}

// GetEpisode 获取单集元信息
func (s *PostgresStore) GetEpisode(episodeID string) (*models.Episode, error) {
	var e models.Episode

	err := s.db.QueryRow(`
	SELECT episode_id, podcast_id, title, audio_url
	FROM episodes
	WHERE episode_id = $1
	`, episodeID).Scan(&e.EpisodeID, &e.PodcastID, &e.Title, &e.AudioURL)
	if err == sql.ErrNoRows {
		return nil, ErrEpisodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询单集失败: %w", err)
	}

	return &e, nil
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob 扫描单行任务记录（处理 NULL 值）
func scanJob(row rowScanner) (*models.DetectionJob, error) {
	var job models.DetectionJob
	var segmentsJSON []byte
	var transcriptID, errorMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&job.JobID,
		&job.EpisodeID,
		&job.AudioURL,
		&job.Status,
		&transcriptID,
		&segmentsJSON,
		&errorMsg,
		&job.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if transcriptID.Valid {
		job.TranscriptID = transcriptID.String
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time
	}
	if len(segmentsJSON) > 0 {
		json.Unmarshal(segmentsJSON, &job.Segments)
	}

	return &job, nil
}

// scanWindows 扫描窗口结果集
func scanWindows(rows *sql.Rows) ([]*models.Window, error) {
	result := make([]*models.Window, 0)
	for rows.Next() {
		var w models.Window
		var reason sql.NullString

		err := rows.Scan(
			&w.WindowID,
			&w.JobID,
			&w.Start,
			&w.End,
			&w.Text,
			&w.Classified,
			&w.IsAd,
			&w.Confidence,
			&reason,
		)
		if err != nil {
			continue
		}

		if reason.Valid {
			w.Reason = reason.String
		}

		result = append(result, &w)
	}

	return result, rows.Err()
}

// nullTime 零值时间写为 NULL
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
