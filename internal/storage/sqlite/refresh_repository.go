package sqlite

import (
	"database/sql"

	"github.com/kioskmedia/asset_refresher/internal/storage"
)

// RefreshRepository stores terminal fetch outcomes in SQLite. It implements
// both storage.RefreshReadRepository and storage.RefreshWriteRepository.
type RefreshRepository struct {
	db *sql.DB
}

func NewRefreshRepository(dbConn *sql.DB) *RefreshRepository {
	return &RefreshRepository{db: dbConn}
}

func (r *RefreshRepository) RecordRefresh(rec storage.RefreshRecord) error {
	_, err := r.db.Exec(
		`INSERT INTO refreshes (job_id, kind, url, local_path, status, fetched_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Kind, rec.URL, rec.LocalPath, rec.Status, rec.FetchedAt,
	)

	return err
}

func (r *RefreshRepository) GetRefreshes(limit int) ([]storage.RefreshRecord, error) {
	rows, err := r.db.Query(
		`SELECT job_id, kind, url, local_path, status, fetched_at
		FROM refreshes
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refreshes []storage.RefreshRecord

	for rows.Next() {
		var record storage.RefreshRecord

		var localPath sql.NullString

		if err := rows.Scan(&record.JobID, &record.Kind, &record.URL, &localPath, &record.Status, &record.FetchedAt); err != nil {
			return nil, err
		}

		if localPath.Valid {
			record.LocalPath = localPath.String
		}

		refreshes = append(refreshes, record)
	}

	return refreshes, rows.Err()
}
